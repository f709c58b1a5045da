package runner

import (
	"context"
	"encoding/json"

	"github.com/hapi/hub/internal/runner/filebrowser"
)

// RegisterFileHandlers wires the hub's file-browsing RPCs onto c,
// delegating to the relocated filebrowser package.
func RegisterFileHandlers(c *Client) {
	c.RegisterHandler("file-browse", handleFileBrowse)
	c.RegisterHandler("file-read", handleFileRead)
	c.RegisterHandler("file-stat", handleFileStat)
}

type filePathParams struct {
	Path string `json:"path"`
}

type fileBrowseResult struct {
	Path    string                 `json:"path"`
	Entries []filebrowser.FileEntry `json:"entries,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func handleFileBrowse(_ context.Context, _ string, raw json.RawMessage) (any, error) {
	var params filePathParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	path, entries, err := filebrowser.ListDirectory(params.Path)
	if err != nil {
		return fileBrowseResult{Path: path, Error: err.Error()}, nil
	}
	return fileBrowseResult{Path: path, Entries: entries}, nil
}

type fileReadParams struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Limit  int64  `json:"limit"`
}

type fileReadResult struct {
	Path      string `json:"path"`
	Content   []byte `json:"content,omitempty"`
	TotalSize int64  `json:"totalSize,omitempty"`
	Error     string `json:"error,omitempty"`
}

func handleFileRead(_ context.Context, _ string, raw json.RawMessage) (any, error) {
	var params fileReadParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	path, content, totalSize, err := filebrowser.ReadFile(params.Path, params.Offset, params.Limit)
	if err != nil {
		return fileReadResult{Path: path, Error: err.Error()}, nil
	}
	return fileReadResult{Path: path, Content: content, TotalSize: totalSize}, nil
}

type fileStatResult struct {
	Path  string               `json:"path"`
	Entry *filebrowser.FileEntry `json:"entry,omitempty"`
	Error string               `json:"error,omitempty"`
}

func handleFileStat(_ context.Context, _ string, raw json.RawMessage) (any, error) {
	var params filePathParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	path, entry, err := filebrowser.StatFile(params.Path)
	if err != nil {
		return fileStatResult{Path: path, Error: err.Error()}, nil
	}
	return fileStatResult{Path: path, Entry: entry}, nil
}
