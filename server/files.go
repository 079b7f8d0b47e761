// Forge server: File utilities
// Copyright Alistair Cunningham 2024-2025

package main

import (
	"io"
	"os"
	"path/filepath"
)

func file_create(path string) {
	file_mkdir_for_file(path)
	f := must(os.Create(path))
	f.Close()
}

func file_delete(path string) {
	os.Remove(path)
}

func file_delete_all(path string) {
	os.RemoveAll(path)
}

func file_exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func file_mkdir(path string) error {
	return os.MkdirAll(path, 0755)
}

func file_mkdir_for_file(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}

// Write a reader to a temporary file beside path, then rename it into place
func file_write_atomic(path string, r io.Reader) error {
	err := file_mkdir_for_file(path)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	_, err = io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	err = os.Rename(tmp, path)
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

// Total size of regular files under a directory
func dir_size(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			size += info.Size()
		}
		return nil
	})
	return size
}
