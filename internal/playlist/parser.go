package playlist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"hlsdl/internal/fetch"
	"hlsdl/internal/herrors"
	"hlsdl/internal/logger"
)

// Parser tokenizes M3U8 text into a Playlist, fetching the referenced
// document (and, for master playlists, the selected variant) through a
// Fetcher, walking the text line by line rather than building a full
// AST.
type Parser struct {
	Fetcher  fetch.Fetcher
	Selector VariantSelector
	Strict   bool
	Log      logger.Logger // optional; defaults to a no-op logger
}

func (p *Parser) log() logger.Logger {
	if p.Log == nil {
		return logger.Nop{}
	}
	return p.Log
}

var attrPattern = regexp.MustCompile(`([A-Z0-9-]+)=("([^"]*)"|[^,]*)`)

// Parse fetches and parses the playlist at rawURL. If it is a master
// playlist, the configured Selector picks a variant and Parse recurses
// into it; Selector must be non-nil in that case.
func (p *Parser) Parse(ctx context.Context, rawURL string) (*Playlist, error) {
	text, err := p.fetchText(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	firstLine := firstNonBlankLine(text)
	if !strings.HasPrefix(firstLine, "#EXTM3U") {
		return nil, herrors.New(herrors.KindInvalidPlaylist, "playlist does not start with #EXTM3U")
	}

	if strings.Contains(text, "#EXT-X-STREAM-INF") {
		return p.parseMaster(ctx, text, rawURL)
	}
	return p.parseMedia(text, rawURL)
}

func (p *Parser) fetchText(ctx context.Context, rawURL string) (string, error) {
	stream, err := p.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", herrors.Wrap(herrors.KindInvalidPlaylist, err, "failed to fetch playlist "+rawURL)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", herrors.Wrap(herrors.KindInvalidPlaylist, err, "failed to read playlist "+rawURL)
	}
	return string(data), nil
}

func firstNonBlankLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.TrimRight(line, "\r"))
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func (p *Parser) parseMaster(ctx context.Context, text, baseURL string) (*Playlist, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindInvalidPlaylist, err, "invalid base URL "+baseURL)
	}

	lines := strings.Split(text, "\n")
	var variants []VariantStream
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(strings.TrimRight(lines[i], "\r"))
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF") {
			continue
		}
		attrs := parseAttributes(line)

		uriLine := ""
		for j := i + 1; j < len(lines); j++ {
			candidate := strings.TrimSpace(strings.TrimRight(lines[j], "\r"))
			if candidate == "" || strings.HasPrefix(candidate, "#") {
				continue
			}
			uriLine = candidate
			break
		}
		if uriLine == "" {
			continue
		}

		resolved, err := resolveURI(base, uriLine)
		if err != nil {
			return nil, herrors.Wrap(herrors.KindInvalidPlaylist, err, "failed to resolve variant URI "+uriLine)
		}

		bandwidth, _ := strconv.Atoi(attrs["BANDWIDTH"])
		variants = append(variants, VariantStream{
			URI:        resolved,
			Bandwidth:  bandwidth,
			Resolution: attrs["RESOLUTION"],
			Codecs:     attrs["CODECS"],
			FrameRate:  parseFrameRate(attrs["FRAME-RATE"]),
		})
	}

	if len(variants) == 0 {
		return nil, herrors.New(herrors.KindInvalidPlaylist, "master playlist has no #EXT-X-STREAM-INF variants")
	}
	if p.Selector == nil {
		return nil, herrors.New(herrors.KindInvalidConfig, "master playlist requires a VariantSelector")
	}

	chosen, err := p.Selector(variants)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindInvalidConfig, err, "variant selection failed")
	}

	return p.Parse(ctx, chosen.URI)
}

func (p *Parser) parseMedia(text, baseURL string) (*Playlist, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindInvalidPlaylist, err, "invalid base URL "+baseURL)
	}

	pl := &Playlist{}
	var (
		pendingDuration float64
		pendingTitle    string
		currentSpec     *EncryptionSpec
	)

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimRight(scanner.Text(), "\r"))
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION"):
			value := strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:")
			d, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, herrors.Wrap(herrors.KindInvalidPlaylist, err, "invalid #EXT-X-TARGETDURATION")
			}
			pl.TargetDuration = d

		case strings.HasPrefix(line, "#EXTINF"):
			rest := strings.TrimPrefix(line, "#EXTINF:")
			parts := strings.SplitN(rest, ",", 2)
			d, err := strconv.ParseFloat(parts[0], 64)
			if err != nil {
				return nil, herrors.Wrap(herrors.KindInvalidPlaylist, err, "invalid #EXTINF duration")
			}
			pendingDuration = d
			if len(parts) > 1 {
				pendingTitle = parts[1]
			} else {
				pendingTitle = ""
			}

		case strings.HasPrefix(line, "#EXT-X-KEY"):
			spec, err := parseKeyTag(line, base)
			if err != nil {
				return nil, err
			}
			if spec != nil && currentSpec != nil && spec.Equal(currentSpec) {
				// Reuse the existing value so adjacent segments share one
				// *EncryptionSpec and key-prefetch dedup stays O(unique specs).
				continue
			}
			currentSpec = spec

		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			pl.EndList = true

		case strings.HasPrefix(line, "#EXTM3U"):
			// Header line, already validated by Parse.

		case strings.HasPrefix(line, "#"):
			if p.Strict {
				return nil, herrors.Newf(herrors.KindUnsupportedTag, "unsupported tag in strict mode: %s", line)
			}

		default:
			resolved, err := resolveURI(base, line)
			if err != nil {
				return nil, herrors.Wrap(herrors.KindInvalidPlaylist, err, "failed to resolve segment URI "+line)
			}
			pl.Segments = append(pl.Segments, Segment{
				Index:      len(pl.Segments),
				URI:        resolved,
				Duration:   pendingDuration,
				Title:      pendingTitle,
				Encryption: currentSpec,
			})
			pendingDuration = 0
			pendingTitle = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, herrors.Wrap(herrors.KindInvalidPlaylist, err, "failed to scan playlist text")
	}

	if len(pl.Segments) == 0 {
		return nil, herrors.New(herrors.KindEmptyPlaylist, "No segments found in playlist")
	}

	for _, seg := range pl.Segments {
		if pl.TargetDuration > 0 && seg.Duration > pl.TargetDuration {
			p.log().Warnf("segment %d duration %.3fs exceeds target duration %.3fs", seg.Index, seg.Duration, pl.TargetDuration)
		}
	}

	return pl, nil
}

func parseKeyTag(line string, base *url.URL) (*EncryptionSpec, error) {
	attrs := parseAttributes(line)
	method := attrs["METHOD"]
	if method == "" || method == "NONE" {
		return nil, nil
	}
	if method != "AES-128" {
		return nil, herrors.Newf(herrors.KindInvalidConfig, "unsupported encryption method %q", method)
	}

	keyURI := attrs["URI"]
	if keyURI == "" {
		return nil, herrors.New(herrors.KindInvalidPlaylist, "#EXT-X-KEY missing URI")
	}
	resolvedKeyURI, err := resolveURI(base, keyURI)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindInvalidPlaylist, err, "failed to resolve key URI "+keyURI)
	}

	ivHex := ""
	if raw, ok := attrs["IV"]; ok && raw != "" {
		if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
			return nil, herrors.New(herrors.KindInvalidConfig, "IV must begin with 0x")
		}
		hexPart := raw[2:]
		if len(hexPart) != 32 {
			return nil, herrors.Newf(herrors.KindInvalidConfig, "IV hex must decode to 16 bytes, got %d hex chars", len(hexPart))
		}
		ivHex = strings.ToLower(hexPart)
	}

	return &EncryptionSpec{Method: method, KeyURI: resolvedKeyURI, IVHex: ivHex}, nil
}

func parseAttributes(line string) map[string]string {
	attrs := make(map[string]string)
	colon := strings.Index(line, ":")
	if colon < 0 {
		return attrs
	}
	body := line[colon+1:]
	for _, m := range attrPattern.FindAllStringSubmatch(body, -1) {
		key := m[1]
		value := m[2]
		if m[3] != "" {
			value = m[3]
		}
		attrs[key] = strings.TrimSpace(value)
	}
	return attrs
}

func parseFrameRate(raw string) float64 {
	if raw == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(raw, 64)
	return f
}

func resolveURI(base *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI %q: %w", ref, err)
	}
	return base.ResolveReference(parsed).String(), nil
}
