package verify

import (
	"bytes"
	"compress/zlib"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

// xarMagic is the four byte signature of a xar archive ("xar!")
const xarMagic = 0x78617221

// xarHeader is the fixed 28 byte header at the start of a xar archive,
// all fields big-endian
type xarHeader struct {
	Magic             uint32
	HeaderSize        uint16
	Version           uint16
	TocCompressed     uint64
	TocUncompressed   uint64
	ChecksumAlgorithm uint32
}

// xarTOC mirrors the parts of the xar table of contents we read: the
// signing certificate chain and the file tree
type xarTOC struct {
	Toc struct {
		Signature struct {
			Certificates []string `xml:"KeyInfo>X509Data>X509Certificate"`
		} `xml:"signature"`
		Files []xarFile `xml:"file"`
	} `xml:"toc"`
}

// xarFile is one entry in the xar file tree; directories nest children
type xarFile struct {
	Name     string    `xml:"name"`
	Type     string    `xml:"type"`
	Children []xarFile `xml:"file"`
	Data     struct {
		Offset   int64 `xml:"offset"`
		Length   int64 `xml:"length"`
		Size     int64 `xml:"size"`
		Encoding struct {
			Style string `xml:"style,attr"`
		} `xml:"encoding"`
	} `xml:"data"`
}

// parseXarPackage reads a flat installer package: the signing identity from
// the certificate chain in the table of contents, and the version from the
// embedded Distribution or PackageInfo document
func parseXarPackage(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainerInvalid, err)
	}
	defer f.Close()

	var header xarHeader
	if err := binary.Read(f, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: short xar header: %v", ErrContainerInvalid, err)
	}
	if header.Magic != xarMagic {
		return nil, fmt.Errorf("%w: not a xar archive", ErrContainerInvalid)
	}
	if header.HeaderSize < 28 {
		return nil, fmt.Errorf("%w: bad xar header size %d", ErrContainerInvalid, header.HeaderSize)
	}

	// The TOC sits right after the header, zlib compressed.
	if _, err := f.Seek(int64(header.HeaderSize), io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainerInvalid, err)
	}
	tocReader, err := zlib.NewReader(io.LimitReader(f, int64(header.TocCompressed)))
	if err != nil {
		return nil, fmt.Errorf("%w: xar TOC is not zlib data: %v", ErrContainerInvalid, err)
	}
	tocXML, err := io.ReadAll(tocReader)
	tocReader.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress xar TOC: %v", ErrContainerInvalid, err)
	}

	var toc xarTOC
	if err := xml.Unmarshal(tocXML, &toc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse xar TOC: %v", ErrContainerInvalid, err)
	}

	metadata := &Metadata{}

	if len(toc.Toc.Signature.Certificates) > 0 {
		teamID, err := teamIDFromCertificate(toc.Toc.Signature.Certificates[0])
		if err != nil {
			return nil, err
		}
		metadata.TeamID = teamID
	}

	// Heap data starts after the compressed TOC.
	heapStart := int64(header.HeaderSize) + int64(header.TocCompressed)

	for _, name := range []string{"Distribution", "PackageInfo"} {
		entry, found := findXarFile(toc.Toc.Files, name)
		if !found {
			continue
		}
		contents, err := readXarFile(f, heapStart, entry)
		if err != nil {
			return nil, err
		}
		version, bundleID := parseInstallerDocument(contents)
		if version != "" {
			metadata.Version = version
			metadata.BundleID = bundleID
			break
		}
	}

	return metadata, nil
}

// teamIDFromCertificate extracts the team identifier from the leaf signing
// certificate: the organizational unit of a Developer ID certificate, or
// the parenthesized suffix of its common name
func teamIDFromCertificate(b64 string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(b64), ""))
	if err != nil {
		return "", fmt.Errorf("%w: malformed signing certificate: %v", ErrContainerInvalid, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable signing certificate: %v", ErrContainerInvalid, err)
	}

	if len(cert.Subject.OrganizationalUnit) > 0 {
		return cert.Subject.OrganizationalUnit[0], nil
	}

	// "Developer ID Installer: Vendor Name (TEAMID)"
	if open := strings.LastIndex(cert.Subject.CommonName, "("); open != -1 {
		if end := strings.LastIndex(cert.Subject.CommonName, ")"); end > open {
			return cert.Subject.CommonName[open+1 : end], nil
		}
	}

	return "", nil
}

func findXarFile(files []xarFile, name string) (*xarFile, bool) {
	for i := range files {
		if files[i].Name == name && files[i].Type != "directory" {
			return &files[i], true
		}
		if child, found := findXarFile(files[i].Children, name); found {
			return child, true
		}
	}
	return nil, false
}

func readXarFile(f *os.File, heapStart int64, entry *xarFile) ([]byte, error) {
	if _, err := f.Seek(heapStart+entry.Data.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainerInvalid, err)
	}

	raw := io.LimitReader(f, entry.Data.Length)

	// xar calls it gzip but stores zlib streams.
	if strings.Contains(entry.Data.Encoding.Style, "gzip") {
		zr, err := zlib.NewReader(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: compressed heap entry is not zlib data: %v", ErrContainerInvalid, err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}

	return io.ReadAll(raw)
}

// installerDocument covers both Distribution (product archives) and
// PackageInfo (component packages)
type installerDocument struct {
	XMLName xml.Name
	// Distribution
	Product struct {
		ID      string `xml:"id,attr"`
		Version string `xml:"version,attr"`
	} `xml:"product"`
	PkgRefs []struct {
		ID      string `xml:"id,attr"`
		Version string `xml:"version,attr"`
	} `xml:"pkg-ref"`
	// PackageInfo root attributes
	Identifier string `xml:"identifier,attr"`
	Version    string `xml:"version,attr"`
}

// parseInstallerDocument pulls a version and bundle identifier out of a
// Distribution or PackageInfo document
func parseInstallerDocument(contents []byte) (version, bundleID string) {
	var doc installerDocument
	if err := xml.Unmarshal(bytes.TrimSpace(contents), &doc); err != nil {
		return "", ""
	}

	if doc.XMLName.Local == "pkg-info" {
		return doc.Version, doc.Identifier
	}

	if doc.Product.Version != "" {
		return doc.Product.Version, doc.Product.ID
	}
	for _, ref := range doc.PkgRefs {
		if ref.Version != "" {
			return ref.Version, ref.ID
		}
	}
	return "", ""
}
