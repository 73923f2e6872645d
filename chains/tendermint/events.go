package tendermint

import (
	"encoding/base64"
	"strconv"

	"github.com/mosaicxc/aggrelayer/core"
)

// send_packet event attributes, keyed as "send_packet.<attr>" in the
// subscription result
const (
	attrSequence   = "send_packet.packet_sequence"
	attrSrcPort    = "send_packet.packet_src_port"
	attrSrcChannel = "send_packet.packet_src_channel"
	attrDstPort    = "send_packet.packet_dst_port"
	attrDstChannel = "send_packet.packet_dst_channel"
	attrData       = "send_packet.packet_data"
	attrTimeoutHgt = "send_packet.packet_timeout_height"
)

// packetsFromEvents decodes the send_packet events of one block. The
// attribute lists are parallel: index i of each list describes packet i.
func packetsFromEvents(events map[string][]string, height core.Height) []core.SendPacketEvent {
	sequences := events[attrSequence]
	if len(sequences) == 0 {
		return nil
	}
	out := make([]core.SendPacketEvent, 0, len(sequences))
	for i, seqStr := range sequences {
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			continue
		}
		packet := core.Packet{
			Sequence:      seq,
			SourcePort:    at(events[attrSrcPort], i),
			SourceChannel: at(events[attrSrcChannel], i),
		}
		packet.DestinationPort = at(events[attrDstPort], i)
		packet.DestinationChannel = at(events[attrDstChannel], i)
		if raw := at(events[attrData], i); raw != "" {
			if data, err := base64.StdEncoding.DecodeString(raw); err == nil {
				packet.Data = data
			} else {
				packet.Data = []byte(raw)
			}
		}
		if th := at(events[attrTimeoutHgt], i); th != "" {
			if h, err := core.ParseHeight(th); err == nil {
				packet.TimeoutHeight = h
			}
		}
		out = append(out, core.SendPacketEvent{Packet: packet, Height: height})
	}
	return out
}

func at(list []string, i int) string {
	if i < len(list) {
		return list[i]
	}
	return ""
}
