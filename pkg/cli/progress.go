package cli

import (
	"io"

	"github.com/cheggaaa/pb/v3"
	"github.com/samber/lo"
)

const nameLength = 19

type progressReader struct {
	*pb.Reader
	bar *pb.ProgressBar
}

func (r progressReader) Close() error {
	r.bar.Finish()
	return r.Reader.Close()
}

func progressBar(name string, size int64, body io.ReadCloser) io.ReadCloser {
	runes := []rune(name)
	name = string(runes[:lo.Min([]int{len(runes), nameLength})])

	bar := pb.New64(size).
		Set(pb.Bytes, true).
		Set("prefix", name+" ").
		SetWidth(80)
	bar.Start()
	return progressReader{Reader: bar.NewProxyReader(body), bar: bar}
}
