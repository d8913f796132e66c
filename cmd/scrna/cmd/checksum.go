package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/grailbio/scrna/scobj"
)

func checksum(ctx context.Context, out io.Writer, path string) error {
	obj, err := scobj.Read(ctx, path)
	if err != nil {
		return err
	}
	js, err := json.Marshal(scobj.Checksum(obj))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(js))
	return err
}
