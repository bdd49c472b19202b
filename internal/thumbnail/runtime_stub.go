//go:build !govips || !cgo

package thumbnail

func Startup() error {
	return nil
}

func Shutdown() {}

func newTransformer() Transformer {
	return stdlibTransformer{}
}
