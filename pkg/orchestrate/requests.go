package orchestrate

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

// ParseRequests reads one "id,url" pair per line. Blank lines and lines starting with '#' are skipped.
func ParseRequests(r io.Reader) ([]FetchRequest, error) {
	var reqs []FetchRequest
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, url, ok := strings.Cut(line, ",")
		id, url = strings.TrimSpace(id), strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("%w: line %d: expected 'id,url', got %q", utils.ErrInvalidInput, lineNum, line)
		}
		reqs = append(reqs, FetchRequest{ID: id, URL: url})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch requests: %w", err)
	}
	return reqs, nil
}
