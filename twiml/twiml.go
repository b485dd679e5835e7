// Package twiml renders the TwiML documents the Twilio driver hands to the
// Calls API.
package twiml

import (
	"encoding/xml"
	"fmt"
	"sort"
)

// Response is a TwiML <Response> document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say     `xml:"Say,omitempty"`
	Pause   *Pause   `xml:"Pause,omitempty"`
	Connect *Connect `xml:"Connect,omitempty"`
}

// Say represents a TwiML <Say> element.
type Say struct {
	Voice    string `xml:"voice,attr,omitempty"`
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

// Pause represents a TwiML <Pause> element.
type Pause struct {
	Length int `xml:"length,attr,omitempty"`
}

// Connect represents a TwiML <Connect> element.
type Connect struct {
	Stream Stream `xml:"Stream"`
}

// Stream represents a bidirectional Media Stream.
type Stream struct {
	URL        string      `xml:"url,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	Parameters []Parameter `xml:"Parameter,omitempty"`
}

// Parameter is a custom stream parameter echoed back in the "start" message.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Voices for <Say>.
const (
	VoiceAlice = "alice"
	VoiceMan   = "man"
	VoiceWoman = "woman"
)

// StreamOptions configure MediaStream.
type StreamOptions struct {
	// Announcement is spoken to the callee before audio is bridged.
	Announcement string
	Voice        string
	Language     string
	Name         string
	Params       map[string]string
}

// MediaStream builds a response that bridges the call audio to url.
func MediaStream(url string, opts StreamOptions) *Response {
	resp := &Response{
		Connect: &Connect{
			Stream: Stream{URL: url, Name: opts.Name},
		},
	}
	if opts.Announcement != "" {
		voice := opts.Voice
		if voice == "" {
			voice = VoiceAlice
		}
		resp.Say = &Say{Voice: voice, Language: opts.Language, Text: opts.Announcement}
	}

	// Sorted so the document is stable.
	names := make([]string, 0, len(opts.Params))
	for name := range opts.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		resp.Connect.Stream.Parameters = append(resp.Connect.Stream.Parameters, Parameter{
			Name:  name,
			Value: opts.Params[name],
		})
	}
	return resp
}

// MaxPause is the longest <Pause> Twilio accepts, in seconds.
const MaxPause = 14400

// Hold builds a response that keeps the call open without media, optionally
// after an announcement.
func Hold(announcement string, seconds int) *Response {
	if seconds <= 0 || seconds > MaxPause {
		seconds = MaxPause
	}
	resp := &Response{Pause: &Pause{Length: seconds}}
	if announcement != "" {
		resp.Say = &Say{Voice: VoiceAlice, Text: announcement}
	}
	return resp
}

// Render encodes the document with the XML header.
func (r *Response) Render() (string, error) {
	out, err := xml.MarshalIndent(r, "", "    ")
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return xml.Header + string(out), nil
}
