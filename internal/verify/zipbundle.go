package verify

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// parseZipBundle reads a zipped application bundle: the version and bundle
// identifier from Info.plist, and the signing identity from the embedded
// provisioning profile. Bundles shipped without a provisioning profile carry
// no identity the verifier can check, and fail closed upstream.
func parseZipBundle(path string) (*Metadata, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainerInvalid, err)
	}
	defer reader.Close()

	metadata := &Metadata{}

	plistFile := findBundleFile(reader, "Contents/Info.plist")
	if plistFile == nil {
		return nil, fmt.Errorf("%w: no Info.plist in bundle", ErrContainerInvalid)
	}
	plistData, err := readZipFile(plistFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainerInvalid, err)
	}

	values, err := parsePlistStrings(plistData)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable Info.plist: %v", ErrContainerInvalid, err)
	}
	metadata.Version = values["CFBundleShortVersionString"]
	if metadata.Version == "" {
		metadata.Version = values["CFBundleVersion"]
	}
	metadata.BundleID = values["CFBundleIdentifier"]

	if profile := findBundleFile(reader, "Contents/embedded.provisionprofile"); profile != nil {
		profileData, err := readZipFile(profile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContainerInvalid, err)
		}
		metadata.TeamID = teamIDFromProfile(profileData)
	}

	return metadata, nil
}

// findBundleFile locates a file by its bundle-relative suffix, preferring
// the shallowest match so nested helper bundles do not win over the app
func findBundleFile(reader *zip.ReadCloser, suffix string) *zip.File {
	var best *zip.File
	bestDepth := -1
	for _, file := range reader.File {
		if !strings.HasSuffix(file.Name, suffix) {
			continue
		}
		depth := strings.Count(file.Name, "/")
		if best == nil || depth < bestDepth {
			best = file
			bestDepth = depth
		}
	}
	return best
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// parsePlistStrings extracts the top-level string values of an XML property
// list as a flat key/value map
func parsePlistStrings(data []byte) (map[string]string, error) {
	values := make(map[string]string)
	decoder := xml.NewDecoder(bytes.NewReader(data))

	var lastKey string
	var element string
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := token.(type) {
		case xml.StartElement:
			element = t.Name.Local
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			switch element {
			case "key":
				lastKey = text
			case "string":
				if lastKey != "" {
					if _, exists := values[lastKey]; !exists {
						values[lastKey] = text
					}
					lastKey = ""
				}
			}
		case xml.EndElement:
			element = ""
		}
	}
	return values, nil
}

// teamIDFromProfile scans a provisioning profile for its TeamIdentifier
// entry. The profile is a CMS envelope around a plaintext plist, so the
// plist fragment can be located without unwrapping the signature.
func teamIDFromProfile(profile []byte) string {
	marker := []byte("<key>TeamIdentifier</key>")
	idx := bytes.Index(profile, marker)
	if idx == -1 {
		return ""
	}

	rest := profile[idx+len(marker):]
	start := bytes.Index(rest, []byte("<string>"))
	end := bytes.Index(rest, []byte("</string>"))
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return strings.TrimSpace(string(rest[start+len("<string>") : end]))
}
