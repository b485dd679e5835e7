package sipcall

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"
)

// PayloadPCMU is the static RTP payload type of G.711 μ-law.
const PayloadPCMU = "0"

// Offer builds the SDP offer sent with the INVITE: one PCMU audio stream at
// host:port, 20 ms packets.
func Offer(host string, port int, sessionID uint64, sendRecv bool) ([]byte, error) {
	direction := "sendrecv"
	if !sendRecv {
		direction = "recvonly"
	}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "twiliovoice",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "twiliovoice",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{PayloadPCMU},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: PayloadPCMU + " PCMU/8000"},
					{Key: "ptime", Value: "20"},
					{Key: direction},
				},
			},
		},
	}

	out, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp offer: %w", err)
	}
	return out, nil
}

// Endpoint is the remote audio address taken from an SDP answer.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// ParseAnswer extracts the audio endpoint from an SDP answer. It fails when the
// answer carries no audio stream or rejects PCMU.
func ParseAnswer(body []byte) (Endpoint, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return Endpoint{}, fmt.Errorf("parse sdp answer: %w", err)
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		accepted := false
		for _, f := range media.MediaName.Formats {
			if f == PayloadPCMU {
				accepted = true
				break
			}
		}
		if !accepted {
			return Endpoint{}, fmt.Errorf("sdp answer does not accept PCMU")
		}

		conn := media.ConnectionInformation
		if conn == nil {
			conn = desc.ConnectionInformation
		}
		if conn == nil || conn.Address == nil {
			return Endpoint{}, fmt.Errorf("sdp answer has no connection address")
		}
		return Endpoint{Host: conn.Address.Address, Port: media.MediaName.Port.Value}, nil
	}
	return Endpoint{}, fmt.Errorf("sdp answer has no audio stream")
}
