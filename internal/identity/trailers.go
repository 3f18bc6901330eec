package identity

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// radSignatureToken is the trailer key identity commits carry one or more
// of, one per delegate signature over the revision (the document tree)
// hash. Format grounded on original_source's git-trailers crate: a
// trailers paragraph is the message's last block of consecutive
// "Token: value" lines, same convention as git's own Signed-off-by.
const radSignatureToken = "Rad-Signature"

// parseSignatureTrailers extracts every Rad-Signature trailer from a
// commit message's trailers paragraph (the last run of non-blank lines,
// separated from the rest of the message by a blank line) and returns the
// hex-encoded-key -> signature map loadFromCommit attaches to Identity.
func parseSignatureTrailers(message string) (map[string][]byte, error) {
	para := trailersParagraph(message)
	sigs := map[string][]byte{}
	for _, line := range strings.Split(para, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		token, value, ok := splitTrailer(line)
		if !ok || token != radSignatureToken {
			continue
		}
		keyHex, sigHex, ok := strings.Cut(strings.TrimSpace(value), " ")
		if !ok {
			return nil, &IntegrityError{Err: fmt.Errorf("malformed %s trailer %q", radSignatureToken, line)}
		}
		if _, err := hex.DecodeString(keyHex); err != nil {
			return nil, &IntegrityError{Err: fmt.Errorf("%s trailer key not hex: %w", radSignatureToken, err)}
		}
		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			return nil, &IntegrityError{Err: fmt.Errorf("%s trailer signature not hex: %w", radSignatureToken, err)}
		}
		sigs[keyHex] = sig
	}
	return sigs, nil
}

// formatSignatureTrailers renders sigs as a trailers paragraph, one
// Rad-Signature line per entry, keys sorted for determinism. Callers
// building a commit message append this after a blank line following the
// subject/body.
func formatSignatureTrailers(sigs map[string][]byte) string {
	keys := make([]string, 0, len(sigs))
	for k := range sigs {
		keys = append(keys, k)
	}
	sortStrings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s %s\n", radSignatureToken, k, hex.EncodeToString(sigs[k]))
	}
	return b.String()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// splitTrailer splits a single trailer line at its first ':' separator,
// trimming surrounding space the way the trailers paragraph is conventionally
// rendered ("Token: value").
func splitTrailer(line string) (token, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), line[i+1:], true
}

// trailersParagraph returns the last paragraph of message: the run of
// non-blank lines following the final blank line, or the whole message if
// it contains no blank line. A message without Rad-Signature trailers
// yields a paragraph with no matching lines (an empty message yields an
// empty string), which parseSignatureTrailers treats as zero signatures
// rather than an error — an unsigned revision simply fails quorum in
// Verify.
func trailersParagraph(message string) string {
	trimmed := strings.TrimRight(message, "\n")
	idx := strings.LastIndex(trimmed, "\n\n")
	if idx < 0 {
		return trimmed
	}
	return trimmed[idx+2:]
}
