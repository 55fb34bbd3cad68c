package proto

import "fmt"

type ErrorCode int

const (
	DecodeOK ErrorCode = iota
	DecodeNoMemory
	DecodeNotFound
	DecodeNotPNG
	DecodeMalformed
	DecodeUnsupported
	DecodeUninterlaced
	DecodeUnformatted
	DecodeParam
)

type Format int

const (
	FormatBad Format = iota
	FormatRGB8
	FormatRGB16
	FormatRGBA8
	FormatRGBA16
	FormatLuminance1
	FormatLuminance2
	FormatLuminance4
	FormatLuminance8
	FormatLuminanceAlpha1
	FormatLuminanceAlpha2
	FormatLuminanceAlpha4
	FormatLuminanceAlpha8
)

// DecodeError carries the decoder's error code and the source line that
// raised it.
type DecodeError struct {
	Code ErrorCode
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error %d at line %d: %s", e.Code, e.Line, e.Err)
	}
	return fmt.Sprintf("decode error %d at line %d", e.Code, e.Line)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type Decoder interface {
	// Open validates the container header. It does not decode pixel data.
	Open(data []byte) (Picture, error)
}

// Picture is a decoder handle. Width, Height, BitsPerPixel and Format are
// valid after Open; Size and Buffer after Decode.
type Picture interface {
	Decode() error
	Width() int
	Height() int
	BitsPerPixel() int
	Format() Format
	Size() int
	Buffer() []byte
	Free()
}
