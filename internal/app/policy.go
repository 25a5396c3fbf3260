package app

import (
	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickViewer
	DropFrame
)

// Policy decides what happens to a push subscriber whose send queue is full.
type Policy interface {
	OnBackPressure(ch core.ChannelService, viewer domain.ViewerID) BackpressureAction
}

// SimplePolicy kicks slow viewers; they resync by polling on reconnect.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.ChannelService, domain.ViewerID) BackpressureAction {
	return KickViewer
}
