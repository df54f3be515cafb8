package session

import (
	"context"

	"github.com/jplguide/guideagent/camera"
	"github.com/jplguide/guideagent/detector"
)

// FrameSource is the capture collaborator the supervisor hands to the
// calibration engine and the guiding loop; a *frame.Acquirer satisfies it.
// Kept local so session does not need to import frame directly, mirroring
// the same pattern in calibration/ and guide/.
type FrameSource interface {
	Capture(ctx context.Context) (*camera.Image, error)
}

// Subframer optionally lets the supervisor program/restore a camera ROI;
// a *frame.Acquirer satisfies it. A nil Subframer disables auto-subframing.
type Subframer interface {
	ProgramSubframe(ctx context.Context, region detector.Region) error
	RestoreSubframe(ctx context.Context) error
}
