// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"filippo.io/age"

	"github.com/bureau-foundation/jobworker/lib/clock"
)

// DefaultNames are the workspace files worth keeping after a run.
var DefaultNames = []string{"progress.txt", "prd.md", "PRD.md", "tasks.md"}

// ManifestSuffix is appended to the archive path to name its
// manifest.
const ManifestSuffix = ".manifest.json"

// Collect copies each of names that exists under sourceDirectory into
// destinationDirectory and returns the copied paths. Missing files are
// skipped. A failure on one file does not stop the others; the joined
// error reports every failure.
func Collect(sourceDirectory, destinationDirectory string, names []string) ([]string, error) {
	var copied []string
	var errs []error
	for _, name := range names {
		source := filepath.Join(sourceDirectory, name)
		info, err := os.Stat(source)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := os.MkdirAll(destinationDirectory, 0o755); err != nil {
			return copied, fmt.Errorf("creating artifact directory: %w", err)
		}
		destination := filepath.Join(destinationDirectory, name)
		if err := copyFile(source, destination); err != nil {
			errs = append(errs, err)
			continue
		}
		copied = append(copied, destination)
	}
	return copied, errors.Join(errs...)
}

func copyFile(source, destination string) error {
	input, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening artifact %s: %w", source, err)
	}
	defer input.Close()
	output, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("creating artifact copy %s: %w", destination, err)
	}
	if _, err := io.Copy(output, input); err != nil {
		output.Close()
		return fmt.Errorf("copying artifact %s: %w", source, err)
	}
	return output.Close()
}

// FileEntry describes one archive member.
type FileEntry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest Hash   `json:"digest"`
}

// Manifest describes an archive written by [Archiver.Write].
type Manifest struct {
	JobID         string      `json:"job_id"`
	CreatedAt     time.Time   `json:"created_at"`
	Archive       string      `json:"archive"`
	ArchiveSize   int64       `json:"archive_size"`
	ArchiveDigest Hash        `json:"archive_digest"`
	Compression   Compression `json:"compression"`
	Encrypted     bool        `json:"encrypted"`
	Files         []FileEntry `json:"files"`
}

// Options configures an Archiver.
type Options struct {
	Compression Compression

	// Recipients are age X25519 public keys ("age1..."). When set, the
	// compressed stream is encrypted to all of them.
	Recipients []string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Archiver packs job artifacts.
type Archiver struct {
	compression Compression
	recipients  []age.Recipient
	clock       clock.Clock
	logger      *slog.Logger
}

// NewArchiver validates options and parses the recipient keys.
func NewArchiver(options Options) (*Archiver, error) {
	compression, err := ParseCompression(string(options.Compression))
	if err != nil {
		return nil, err
	}
	recipients := make([]age.Recipient, 0, len(options.Recipients))
	for _, key := range options.Recipients {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Archiver{
		compression: compression,
		recipients:  recipients,
		clock:       options.Clock,
		logger:      options.Logger,
	}, nil
}

// Encrypted reports whether archives are age-encrypted.
func (archiver *Archiver) Encrypted() bool { return len(archiver.recipients) > 0 }

// PathFor returns the archive path for a job's files in directory.
func (archiver *Archiver) PathFor(directory, jobID string) string {
	return filepath.Join(directory, jobID+Extension(archiver.compression, archiver.Encrypted()))
}

// Write packs files into a tar archive at archivePath and writes the
// manifest next to it. Members are stored under their base names, so
// two files with the same base name are an error.
func (archiver *Archiver) Write(jobID, archivePath string, files []string) (*Manifest, error) {
	seen := make(map[string]bool, len(files))
	for _, path := range files {
		name := filepath.Base(path)
		if seen[name] {
			return nil, fmt.Errorf("duplicate archive member %q", name)
		}
		seen[name] = true
	}

	output, err := os.Create(archivePath)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	manifest, err := archiver.writeArchive(output, jobID, files)
	closeErr := output.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(archivePath)
		return nil, err
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("reopening archive: %w", err)
	}
	manifest.ArchiveDigest, manifest.ArchiveSize, err = HashReader(archiveFile)
	archiveFile.Close()
	if err != nil {
		return nil, err
	}
	manifest.Archive = filepath.Base(archivePath)

	if err := writeManifest(archivePath+ManifestSuffix, manifest); err != nil {
		return nil, err
	}
	archiver.logger.Info("artifact archive written",
		"job_id", jobID,
		"path", archivePath,
		"files", len(manifest.Files),
		"bytes", manifest.ArchiveSize,
		"compression", string(archiver.compression),
		"encrypted", manifest.Encrypted,
	)
	return manifest, nil
}

func (archiver *Archiver) writeArchive(output io.Writer, jobID string, files []string) (*Manifest, error) {
	sink := output
	var encryptor io.WriteCloser
	if archiver.Encrypted() {
		var err error
		encryptor, err = age.Encrypt(output, archiver.recipients...)
		if err != nil {
			return nil, fmt.Errorf("creating age encryptor: %w", err)
		}
		sink = encryptor
	}
	compressor, err := compressWriter(sink, archiver.compression)
	if err != nil {
		return nil, err
	}
	tarWriter := tar.NewWriter(compressor)

	manifest := &Manifest{
		JobID:       jobID,
		CreatedAt:   archiver.clock.Now().UTC(),
		Compression: archiver.compression,
		Encrypted:   archiver.Encrypted(),
	}
	for _, path := range files {
		entry, err := addMember(tarWriter, path)
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, entry)
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("finishing tar stream: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return nil, fmt.Errorf("finishing %s stream: %w", archiver.compression, err)
	}
	if encryptor != nil {
		if err := encryptor.Close(); err != nil {
			return nil, fmt.Errorf("finalizing age encryption: %w", err)
		}
	}
	return manifest, nil
}

func addMember(tarWriter *tar.Writer, path string) (FileEntry, error) {
	input, err := os.Open(path)
	if err != nil {
		return FileEntry{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer input.Close()
	info, err := input.Stat()
	if err != nil {
		return FileEntry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	header := &tar.Header{
		Name:    filepath.Base(path),
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Format:  tar.FormatPAX,
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return FileEntry{}, fmt.Errorf("writing tar header for %s: %w", path, err)
	}
	hasher := newHasher()
	written, err := io.Copy(io.MultiWriter(tarWriter, hasher), io.LimitReader(input, info.Size()))
	if err != nil {
		return FileEntry{}, fmt.Errorf("archiving %s: %w", path, err)
	}
	if written != info.Size() {
		return FileEntry{}, fmt.Errorf("archiving %s: file shrank from %d to %d bytes", path, info.Size(), written)
	}
	var digest Hash
	copy(digest[:], hasher.Sum(nil))
	return FileEntry{Name: header.Name, Size: written, Digest: digest}, nil
}

func writeManifest(path string, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest written for archivePath.
func ReadManifest(archivePath string) (*Manifest, error) {
	data, err := os.ReadFile(archivePath + ManifestSuffix)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &manifest, nil
}

// Extract reads every member of the archive at archivePath, verifying
// the archive digest and each member digest against the manifest.
// Encrypted archives need at least one matching identity.
func Extract(archivePath string, identities ...age.Identity) (map[string][]byte, error) {
	manifest, err := ReadManifest(archivePath)
	if err != nil {
		return nil, err
	}
	input, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer input.Close()

	digest, _, err := HashReader(input)
	if err != nil {
		return nil, err
	}
	if digest != manifest.ArchiveDigest {
		return nil, fmt.Errorf("archive digest mismatch: got %s, manifest has %s", digest, manifest.ArchiveDigest)
	}
	if _, err := input.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding archive: %w", err)
	}

	var source io.Reader = input
	if manifest.Encrypted {
		if len(identities) == 0 {
			return nil, fmt.Errorf("archive is encrypted and no identity was given")
		}
		source, err = age.Decrypt(input, identities...)
		if err != nil {
			return nil, fmt.Errorf("decrypting archive: %w", err)
		}
	}
	decompressor, err := decompressReader(source, manifest.Compression)
	if err != nil {
		return nil, err
	}
	defer decompressor.Close()

	expected := make(map[string]Hash, len(manifest.Files))
	for _, entry := range manifest.Files {
		expected[entry.Name] = entry.Digest
	}
	members := make(map[string][]byte)
	tarReader := tar.NewReader(decompressor)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			return nil, fmt.Errorf("reading member %s: %w", header.Name, err)
		}
		want, ok := expected[header.Name]
		if !ok {
			return nil, fmt.Errorf("member %s is not in the manifest", header.Name)
		}
		if got := HashBytes(data); got != want {
			return nil, fmt.Errorf("member %s digest mismatch", header.Name)
		}
		members[header.Name] = data
	}
	if len(members) != len(expected) {
		names := make([]string, 0, len(expected))
		for name := range expected {
			if _, ok := members[name]; !ok {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return nil, fmt.Errorf("archive is missing members %v", names)
	}
	return members, nil
}
