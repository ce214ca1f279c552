package pointfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/buger/jsonparser"

	"densitymap/pkg/spatial"
)

// Extent asks the server for a subject's full footprint. ok is false when the
// server knows no points for it.
func (s *Session) Extent(ctx context.Context, subjectID string) (spatial.BBox, bool, error) {
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/extent?" + url.Values{"subject_id": {subjectID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return spatial.BBox{}, false, fmt.Errorf("extent request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return spatial.BBox{}, false, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return spatial.BBox{}, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return spatial.BBox{}, false, &TransportError{Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return spatial.BBox{}, false, &TransportError{Err: err}
	}
	raw, err := jsonparser.GetString(body, "bbox")
	if err != nil {
		return spatial.BBox{}, false, fmt.Errorf("extent body: %w", err)
	}
	b, err := spatial.ParseBBox(raw)
	if err != nil {
		return spatial.BBox{}, false, fmt.Errorf("extent body: %w", err)
	}
	return b, true, nil
}
