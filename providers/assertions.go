package providers

import (
	"github.com/blazeintel/rtssf/src/bridge"
	"github.com/blazeintel/rtssf/src/collab"
	"github.com/blazeintel/rtssf/src/hub"
	"github.com/blazeintel/rtssf/src/source"
)

// Compile-time interface assertions.
var (
	_ Upstream               = (*source.Fake)(nil)
	_ Upstream               = (*source.HTTP)(nil)
	_ collab.Analyzer        = (*collab.LocalAnalyzer)(nil)
	_ collab.BiometricSink   = (*collab.QueueSink)(nil)
	_ hub.MessageBridge      = (*bridge.RedisBridge)(nil)
	_ bridge.BroadcastTarget = (*hub.Hub)(nil)
)
