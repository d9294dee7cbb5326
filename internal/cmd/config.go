package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/stealthrocket/sysreplay/internal/config"
	"github.com/stealthrocket/sysreplay/internal/print/jsonprint"
	"github.com/stealthrocket/sysreplay/internal/print/yamlprint"
	"github.com/stealthrocket/sysreplay/internal/stats"
	"github.com/stealthrocket/sysreplay/internal/stream"
)

const configUsage = `
Usage:	sysreplay config [options]

   The config command prints the configuration of sysreplay. When the
   configuration file does not exist, the default configuration is shown.

Options:
   -c, --config path    Path to the configuration file (overrides SYSREPLAYCONFIG)
       --edit           Open $EDITOR to edit the configuration
   -h, --help           Show usage information
   -o, --output format  Output format, one of: text, json, yaml
`

func configCommand(ctx context.Context, args []string) error {
	var (
		edit   bool
		output = stats.Text
	)

	flagSet := newFlagSet("sysreplay config", configUsage)
	boolVar(flagSet, &edit, "", "edit")
	customVar(flagSet, &output, "o", "output")
	customVar(flagSet, &config.Path, "c", "config")

	args, err := parseFlags(flagSet, args)
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return usageError("sysreplay config: unexpected arguments: %q", args)
	}

	if edit {
		if err := editConfig(); err != nil {
			return err
		}
	}

	switch output {
	case stats.JSON:
		c, err := config.Load()
		if err != nil {
			return err
		}
		return writeOne(jsonprint.NewWriter[*config.Config](os.Stdout), c)
	case stats.YAML:
		c, err := config.Load()
		if err != nil {
			return err
		}
		return writeOne(yamlprint.NewWriter[*config.Config](os.Stdout), c)
	default:
		// The text output is the file itself, comments included.
		r, _, err := config.Open()
		if err != nil {
			return err
		}
		defer r.Close()
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		if _, err := config.Read(bytes.NewReader(b)); err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	}
}

func editConfig() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		return errors.New(`$EDITOR is not set`)
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	r, path, err := config.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
	}

	tmp, err := createTempFile(path, r)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	p, err := os.StartProcess(shell, []string{shell, "-c", editor + " " + tmp}, &os.ProcAttr{
		Files: []*os.File{
			0: os.Stdin,
			1: os.Stdout,
			2: os.Stderr,
		},
	})
	if err != nil {
		return err
	}
	if _, err := p.Wait(); err != nil {
		return err
	}

	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := config.Read(f); err != nil {
		return fmt.Errorf("not applying configuration updates because the file has a syntax error: %w", err)
	}
	return os.Rename(tmp, path)
}

func createTempFile(path string, r io.Reader) (string, error) {
	dir, file := filepath.Split(path)
	w, err := os.CreateTemp(dir, "."+file+".*")
	if err != nil {
		return "", err
	}
	defer w.Close()
	_, err = io.Copy(w, r)
	return w.Name(), err
}

func writeOne[T any](w stream.WriteCloser[T], value T) error {
	if _, err := w.Write([]T{value}); err != nil {
		return err
	}
	return w.Close()
}
