package storage

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"strings"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/pkg/errors"
)

// ManifestName is the archive member listing the other members.
const ManifestName = "components.json"

// Member is one file of an archive image.
type Member struct {
	Name   string
	Type   string
	Size   int64
	SHA256 string
}

// Unpacker validates archive images.
type Unpacker interface {
	// Validate reads the archive in r and checks every member against the
	// archive's manifest, returning the members found.
	Validate(r io.ReaderAt, size int64) ([]Member, error)
}

type manifest struct {
	NumberFiles int `json:"numberFiles"`
	Files       []struct {
		FileName string `json:"fileName"`
		FileType string `json:"fileType"`
		FileSize int64  `json:"fileSize"`
		SHA256   string `json:"sha256"`
	} `json:"files"`
}

// TarUnpacker reads tar archives. The manifest is optional; without it the
// archive only needs to be well formed and non-empty.
type TarUnpacker struct{}

func (TarUnpacker) Validate(r io.ReaderAt, size int64) ([]Member, error) {
	var (
		members  []Member
		manifest *manifest
	)
	tr := tar.NewReader(io.NewSectionReader(r, 0, size))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ota.NewError(ota.CodeVerify, "unpack", errors.Wrap(err, "unable to read archive"))
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if name == ManifestName {
			raw, err := ioutil.ReadAll(tr)
			if err != nil {
				return nil, ota.NewError(ota.CodeVerify, "unpack", errors.Wrap(err, "unable to read manifest"))
			}
			manifest, err = parseManifest(raw)
			if err != nil {
				return nil, err
			}
			continue
		}
		h := sha256.New()
		n, err := io.Copy(h, tr)
		if err != nil {
			return nil, ota.NewError(ota.CodeVerify, "unpack", errors.Wrapf(err, "unable to read member %q", name))
		}
		members = append(members, Member{Name: name, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))})
	}
	if len(members) == 0 {
		return nil, ota.Errorf(ota.CodeVerify, "unpack", "archive has no members")
	}
	if manifest == nil {
		return members, nil
	}
	return members, manifest.check(members)
}

func parseManifest(raw []byte) (*manifest, error) {
	m := &manifest{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, ota.NewError(ota.CodeVerify, "unpack", errors.Wrap(err, "malformed manifest"))
	}
	if m.NumberFiles != len(m.Files) {
		return nil, ota.Errorf(ota.CodeVerify, "unpack", "manifest lists %d files but counts %d", len(m.Files), m.NumberFiles)
	}
	return m, nil
}

func (m *manifest) check(members []Member) error {
	found := map[string]*Member{}
	for i := range members {
		found[members[i].Name] = &members[i]
	}
	for _, f := range m.Files {
		member, ok := found[f.FileName]
		if !ok {
			return ota.Errorf(ota.CodeVerify, "unpack", "member %q missing", f.FileName)
		}
		if member.Size != f.FileSize {
			return ota.Errorf(ota.CodeVerify, "unpack", "member %q is %d bytes, expected %d", f.FileName, member.Size, f.FileSize)
		}
		if f.SHA256 != "" && !strings.EqualFold(member.SHA256, f.SHA256) {
			return ota.Errorf(ota.CodeVerify, "unpack", "member %q digest mismatch", f.FileName)
		}
		member.Type = f.FileType
	}
	return nil
}
