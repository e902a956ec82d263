package render

import "image"

// Project maps a rectangle from frame-pixel space into the viewport.
//
// rotation is the frame's orientation tag in degrees clockwise (0, 90, 180,
// 270); the frame is rotated upright first, then scaled to the viewport.
func (h *Headless) Project(r image.Rectangle, frameW, frameH, rotation int) image.Rectangle {
	if frameW <= 0 || frameH <= 0 {
		return image.Rectangle{}
	}

	a := rotatePoint(r.Min, frameW, frameH, rotation)
	b := rotatePoint(r.Max, frameW, frameH, rotation)
	w, hgt := frameW, frameH
	if rotation == 90 || rotation == 270 {
		w, hgt = frameH, frameW
	}

	vp := h.cfg.Viewport
	scale := func(p image.Point) image.Point {
		return image.Point{
			X: vp.Min.X + p.X*vp.Dx()/w,
			Y: vp.Min.Y + p.Y*vp.Dy()/hgt,
		}
	}
	return image.Rectangle{Min: scale(a), Max: scale(b)}.Canon()
}

// rotatePoint rotates p clockwise by rotation degrees inside a w x h frame.
// Points are treated as pixel edges, so a full-frame rectangle stays full.
func rotatePoint(p image.Point, w, h, rotation int) image.Point {
	switch rotation {
	case 90:
		return image.Point{X: h - p.Y, Y: p.X}
	case 180:
		return image.Point{X: w - p.X, Y: h - p.Y}
	case 270:
		return image.Point{X: p.Y, Y: w - p.X}
	default:
		return p
	}
}
