package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/bscott/mailpeek"
)

func (c *DownloadCmd) Run(ctx *Context) error {
	acct, err := ctx.Account()
	if err != nil {
		return err
	}

	reader, err := mailpeek.NewReader(acct, ctx.Options()...)
	if err != nil {
		return err
	}

	sctx, cancel := signalContext()
	defer cancel()

	if c.Out == "-" {
		rc, err := reader.AttachmentStream(sctx, c.UID, c.PartID)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(ctx.Formatter.Writer, rc)
		return err
	}

	outPath := c.Out
	if outPath == "" {
		dir := ctx.Config.Defaults.DownloadDir
		if dir == "" {
			dir = "."
		}
		outPath = filepath.Join(dir, fmt.Sprintf("%d-%s", c.UID, c.PartID))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	outPath = uniquePath(outPath)

	n, err := downloadTo(sctx, reader, c.UID, c.PartID, outPath)
	if err != nil {
		return err
	}

	if ctx.Formatter.JSON {
		return ctx.Formatter.PrintJSON(map[string]interface{}{
			"success":     true,
			"uid":         c.UID,
			"part_id":     c.PartID,
			"size":        n,
			"output_path": outPath,
		})
	}

	ctx.Formatter.PrintSuccess(fmt.Sprintf("Saved part %s of message %d (%s) to %s", c.PartID, c.UID, humanize.Bytes(uint64(n)), outPath))
	return nil
}
