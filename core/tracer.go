package core

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mosaicxc/aggrelayer/core")

func withConnectionAttributes(srcChainID, srcConnectionID, dstChainID, dstConnectionID string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("src.chain_id", srcChainID),
		attribute.String("src.connection_id", srcConnectionID),
		attribute.String("dst.chain_id", dstChainID),
		attribute.String("dst.connection_id", dstConnectionID),
	)
}

func withChannelAttributes(srcChainID, srcPortID, srcChannelID, dstChainID, dstPortID, dstChannelID string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("src.chain_id", srcChainID),
		attribute.String("src.port_id", srcPortID),
		attribute.String("src.channel_id", srcChannelID),
		attribute.String("dst.chain_id", dstChainID),
		attribute.String("dst.port_id", dstPortID),
		attribute.String("dst.channel_id", dstChannelID),
	)
}
