package core

import (
	"fmt"
	"strings"
)

const (
	minIDLength = 2
	maxIDLength = 64
)

// ValidateID checks the character set and length shared by all identifiers
// (chain, client, connection, channel, port).
func ValidateID(id string) error {
	if len(id) < minIDLength || len(id) > maxIDLength {
		return fmt.Errorf("identifier %q has invalid length %d, expected [%d, %d]", id, len(id), minIDLength, maxIDLength)
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("identifier %q cannot contain path separators", id)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '.', c == '_', c == '+', c == '-', c == '#',
			c == '[', c == ']', c == '<', c == '>':
		default:
			return fmt.Errorf("identifier %q contains invalid character %q", id, c)
		}
	}
	return nil
}

// ConnectionPath returns the commitment path of a connection end.
func ConnectionPath(connectionID string) string {
	return fmt.Sprintf("connections/%s", connectionID)
}

// ChannelPath returns the commitment path of a channel end.
func ChannelPath(portID, channelID string) string {
	return fmt.Sprintf("channelEnds/ports/%s/channels/%s", portID, channelID)
}

// PacketCommitmentPath returns the commitment path of a sent packet.
func PacketCommitmentPath(portID, channelID string, sequence uint64) string {
	return fmt.Sprintf("commitments/ports/%s/channels/%s/sequences/%d", portID, channelID, sequence)
}
