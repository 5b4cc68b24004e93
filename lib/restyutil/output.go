package restyutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
)

// Output receives one rendered exchange per response.
type Output interface {
	Write(id string, contents string) error
}

// FilesystemOutput writes every exchange into its own file under a directory.
type FilesystemOutput struct {
	directory string
}

// NewFilesystemOutput clears `dir` and recreates it.
func NewFilesystemOutput(dir string) (FilesystemOutput, error) {
	err := os.RemoveAll(dir)
	if err != nil {
		return FilesystemOutput{}, err
	}
	err = os.MkdirAll(dir, 0777)
	if err != nil {
		return FilesystemOutput{}, err
	}
	return FilesystemOutput{directory: dir}, nil
}

func (o FilesystemOutput) Write(id string, contents string) error {
	return os.WriteFile(filepath.Join(o.directory, id), []byte(contents), 0600)
}

// Dump writes every response received by `client` to `output`, files are
// named by a zero padded sequence number so they sort in request order.
// onError is called when the output cannot be written, it may be nil.
func Dump(client *resty.Client, output Output, onError func(error)) {
	var idcounter uint64
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		id := fmt.Sprintf("%05d.txt", atomic.AddUint64(&idcounter, 1))
		err := output.Write(id, FormatExchange(res))
		if err != nil && onError != nil {
			onError(err)
		}
		return nil
	})
}
