package transform

import (
	"fmt"
	"regexp"

	"gelfrelay/internal/types"
)

// DefaultImageVersion is used when an image reference carries no tag.
const DefaultImageVersion = "latest"

// imagePattern splits "[repo/]name[:version]". The repo group is lazy, so
// only the segment before the first slash is the repo and the rest belongs to
// the name.
var imagePattern = regexp.MustCompile(`^((?P<repo>.*?)/)?(?P<name>[^:]*)(:(?P<version>.*))?`)

var (
	repoGroup    = imagePattern.SubexpIndex("repo")
	nameGroup    = imagePattern.SubexpIndex("name")
	versionGroup = imagePattern.SubexpIndex("version")
)

// ImageParser parses container image references. It is immutable and shares
// the one compiled pattern, so a single instance may be used from any number
// of goroutines.
type ImageParser struct {
	re *regexp.Regexp
}

var defaultImageParser = &ImageParser{re: imagePattern}

// DefaultImageParser returns the process-wide parser.
func DefaultImageParser() *ImageParser {
	return defaultImageParser
}

// Parse splits ref into repo, name and version. An empty name is a
// MalformedRecordError.
func (p *ImageParser) Parse(ref string) (types.ImageReference, error) {
	m := p.re.FindStringSubmatch(ref)
	if m == nil || m[nameGroup] == "" {
		return types.ImageReference{}, types.NewAppErrorWithDetails(types.ErrCodeMalformedImage,
			fmt.Sprintf("image reference %q has no name", ref), nil,
			map[string]any{"image_name": ref})
	}

	img := types.ImageReference{
		Repo:    m[repoGroup],
		Name:    m[nameGroup],
		Version: m[versionGroup],
	}
	if img.Version == "" {
		img.Version = DefaultImageVersion
	}
	return img, nil
}
