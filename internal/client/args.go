package client

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type SourceKind int

const (
	SourceFile SourceKind = iota
	SourceDir
)

// Args is a parsed command line: where to send the bytes and what to send.
type Args struct {
	UploadURL string
	Path      string
	Kind      SourceKind
}

// ParseArgs validates `<upload-url> <path>`.
func ParseArgs(args []string) (*Args, error) {
	if len(args) != 2 {
		return nil, &ValidationError{Arg: "<upload-url> <path>", Cause: "expected exactly two arguments"}
	}

	raw := args[0]
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ValidationError{Arg: raw, Cause: "not an http(s) URL"}
	}
	if !strings.Contains(u.Path, "/upload/") {
		return nil, &ValidationError{Arg: raw, Cause: "not an upload URL"}
	}

	p := filepath.Clean(args[1])
	info, err := os.Stat(p)
	if err != nil {
		return nil, &ValidationError{Arg: args[1], Cause: "not found or not accessible"}
	}

	kind := SourceFile
	if info.IsDir() {
		kind = SourceDir
	}
	return &Args{UploadURL: raw, Path: p, Kind: kind}, nil
}
