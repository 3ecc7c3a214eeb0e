package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"hermes/internal/client"
)

func main() {
	args, err := client.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "usage: hermes-upload <upload-url> <path>")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	name := filepath.Base(args.Path)
	contentType := client.ContentType(name)
	var body io.Reader

	if args.Kind == client.SourceDir {
		data, err := client.ZipDir(args.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error compressing: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Compressed %s to %d bytes\n", args.Path, len(data))
		name += ".zip"
		contentType = "application/zip"
		body = bytes.NewReader(data)
	} else {
		f, err := os.Open(args.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		body = f
	}

	res, err := client.New().Upload(ctx, args.UploadURL, name, contentType, body)
	if res != nil {
		out, _ := json.Marshal(res)
		fmt.Println(string(out))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
