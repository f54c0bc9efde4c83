// Package fsutil has the small filesystem helpers shared by the cache, the executor and the server.
package fsutil

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/warptools/sciflo/sfapi"
)

// WriteFileAtomic writes data to a temporary file beside path and renames it into place,
// so readers never observe a partial file.
//
// Errors:
//
//    - sciflo-error-io -- when the file cannot be written or renamed
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return sfapi.ErrorIo("creating directory", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return sfapi.ErrorIo("creating temporary file", dir, err)
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return sfapi.ErrorIo("writing temporary file", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		os.Remove(tmp.Name())
		return sfapi.ErrorIo("setting file mode", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return sfapi.ErrorIo("renaming into place", path, err)
	}
	return nil
}

// WriteJSONAtomic encodes v as indented json and writes it with WriteFileAtomic.
//
// Errors:
//
//    - sciflo-error-serialization -- when v cannot be encoded
//    - sciflo-error-io -- when the file cannot be written
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return sfapi.ErrorSerialization("encoding "+filepath.Base(path), err)
	}
	return WriteFileAtomic(path, append(data, '\n'), 0644)
}

// ReadJSON decodes the json file at path into v.
//
// Errors:
//
//    - sciflo-error-io -- when the file cannot be read
//    - sciflo-error-serialization -- when the file is not valid json for v
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return sfapi.ErrorIo("reading file", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return sfapi.ErrorSerialization("decoding "+filepath.Base(path), err)
	}
	return nil
}
