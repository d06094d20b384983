package rotator

import (
	"context"

	"github.com/w1xm/antenna_control/position"
)

// Offset corrects a Link for a mounting error. Offsets are added to measured
// positions and subtracted from requested positions.
type Offset struct {
	Link
	// OffsetAz and OffsetEl are in degrees.
	OffsetAz, OffsetEl float64
}

// WithOffset returns link unchanged when both offsets are zero.
func WithOffset(link Link, offsetAz, offsetEl float64) Link {
	if offsetAz == 0 && offsetEl == 0 {
		return link
	}
	return &Offset{Link: link, OffsetAz: offsetAz, OffsetEl: offsetEl}
}

func (o *Offset) MoveTo(ctx context.Context, target position.Position) error {
	target.Azimuth = position.NormalizeAzimuth(target.Azimuth - o.OffsetAz)
	target.Elevation -= o.OffsetEl
	return o.Link.MoveTo(ctx, target)
}

func (o *Offset) QueryPosition(ctx context.Context) (Reading, error) {
	r, err := o.Link.QueryPosition(ctx)
	if err != nil {
		return r, err
	}
	r.Position.Azimuth = position.NormalizeAzimuth(r.Position.Azimuth + o.OffsetAz)
	r.Position.Elevation += o.OffsetEl
	return r, nil
}
