package engine

import (
	"sync"

	"catharsis/api/internal/annotation"
)

type EffectKind string

const (
	EffectHighlight   EffectKind = "highlight"
	EffectUnhighlight EffectKind = "unhighlight"
	EffectShred       EffectKind = "shred"
	EffectUnshred     EffectKind = "unshred"
	EffectCollapse    EffectKind = "collapse"
	EffectExpand      EffectKind = "expand"
	EffectStamp       EffectKind = "stamp"
	EffectUnstamp     EffectKind = "unstamp"
)

// Effect is an instruction for the rendering surface, keyed by block and
// offsets or by block alone. The engine never touches a rendering tree.
type Effect struct {
	Kind         EffectKind         `json:"kind"`
	AnnotationID string             `json:"annotationId"`
	BlockID      string             `json:"blockId"`
	Start        int                `json:"startOffset,omitempty"`
	End          int                `json:"endOffset,omitempty"`
	Whole        bool               `json:"whole,omitempty"`
	Emotion      annotation.Emotion `json:"emotion,omitempty"`
	Color        string             `json:"color,omitempty"`
}

// Surface is implemented by hosts that render the entry.
type Surface interface {
	Apply(Effect)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(Effect)

func (f SurfaceFunc) Apply(effect Effect) {
	f(effect)
}

// Recorder is a Surface that keeps every effect it receives.
type Recorder struct {
	mu      sync.Mutex
	effects []Effect
}

func (r *Recorder) Apply(effect Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, effect)
}

// Drain returns the recorded effects and forgets them.
func (r *Recorder) Drain() []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.effects
	r.effects = nil
	return out
}

// processEffect is what each processing action looks like on screen, and the
// effect that takes it back.
func processEffect(action annotation.Action) (apply, revert EffectKind, ok bool) {
	switch action {
	case annotation.ActionShred:
		return EffectShred, EffectUnshred, true
	case annotation.ActionTrash:
		return EffectCollapse, EffectExpand, true
	case annotation.ActionStamp:
		return EffectStamp, EffectUnstamp, true
	default:
		return "", "", false
	}
}

func effectFor(kind EffectKind, item annotation.Annotation, color string) Effect {
	effect := Effect{
		Kind:         kind,
		AnnotationID: item.ID,
		BlockID:      item.Anchor.BlockID,
		Whole:        item.Anchor.Whole,
		Emotion:      item.Emotion,
	}
	if !item.Anchor.Whole {
		effect.Start, effect.End = item.Anchor.Start, item.Anchor.End
	}
	if kind == EffectHighlight {
		effect.Color = color
	}
	return effect
}
