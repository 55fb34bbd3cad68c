package remote

type Empty struct{}

type PresentRequest struct {
	// Frame holds the frame as PNG.
	Frame []byte
}

type CommandRequest struct {
	Name  string
	Value uint8
}
