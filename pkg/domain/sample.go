package domain

import "time"

// Sample is one timestamped value on a channel.
type Sample struct {
	Channel   ChannelKey `json:"channel" cbor:"1,keyasint"`
	Value     float64    `json:"value" cbor:"2,keyasint"`
	Timestamp time.Time  `json:"timestamp" cbor:"3,keyasint"`
}
