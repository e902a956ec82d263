package subprocess

import (
	"bytes"
	"encoding/binary"
	"image"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/scanlens/modules/barcode"
	"github.com/e7canasta/scanlens/modules/framechannel"
)

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	f := framechannel.NewFrame([]byte{0xff, 0xd8}, 640, 480, 180, time.Unix(0, 0).UTC(), nil)
	f.Seq = 42

	require.NoError(t, writeMessage(&buf, newRequest(f)))

	prefix := binary.BigEndian.Uint32(buf.Bytes()[:4])
	assert.Equal(t, buf.Len()-4, int(prefix))

	var got request
	require.NoError(t, readMessage(&buf, &got))
	assert.Equal(t, uint64(42), got.Seq)
	assert.Equal(t, []byte{0xff, 0xd8}, got.FrameData)
	assert.Equal(t, 180, got.Rotation)
	assert.Equal(t, f.TraceID, got.TraceID)

	assert.ErrorIs(t, readMessage(&buf, &got), io.EOF)
}

func TestReadMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, response{Seq: 1}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])

	var resp response
	err := readMessage(truncated, &resp)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadMessageTooLarge(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageSize+1)

	var resp response
	assert.ErrorIs(t, readMessage(bytes.NewReader(prefix[:]), &resp), errMessageTooLarge)
}

func TestWireCodeConversion(t *testing.T) {
	code, err := wireCode{
		Value:     "ITEM0001",
		Symbology: "code_128",
		Box:       []int{10, 20, 110, 60},
		Corners:   []int{10, 20, 110, 20, 110, 60, 10, 60},
	}.toCode()
	require.NoError(t, err)
	assert.Equal(t, barcode.SymbologyCode128, code.Symbology)
	assert.Equal(t, image.Rect(10, 20, 110, 60), code.BoundingBox)
	assert.Equal(t, image.Pt(110, 60), code.Corners[2])

	// Corners default to the box.
	code, err = wireCode{Value: "ITEM0001", Box: []int{0, 0, 4, 2}}.toCode()
	require.NoError(t, err)
	assert.Equal(t, [4]image.Point{image.Pt(0, 0), image.Pt(4, 0), image.Pt(4, 2), image.Pt(0, 2)}, code.Corners)

	_, err = wireCode{Value: "ITEM0001", Box: []int{1, 2}}.toCode()
	assert.Error(t, err)
	_, err = wireCode{Value: "ITEM0001", Box: []int{0, 0, 1, 1}, Corners: []int{1}}.toCode()
	assert.Error(t, err)
}
