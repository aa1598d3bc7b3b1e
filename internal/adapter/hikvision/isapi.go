package hikvision

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"frankamera/camerad/internal/adapter"
)

const (
	isapiVersion    = "2.0"
	isapiTimeLayout = "2006-01-02T15:04:05Z"
)

type deviceInfo struct {
	XMLName         xml.Name `xml:"DeviceInfo"`
	DeviceName      string   `xml:"deviceName"`
	Model           string   `xml:"model"`
	SerialNumber    string   `xml:"serialNumber"`
	FirmwareVersion string   `xml:"firmwareVersion"`
}

type ptzData struct {
	XMLName      xml.Name     `xml:"PTZData"`
	XMLVersion   string       `xml:"version,attr"`
	AbsoluteHigh absoluteHigh `xml:"AbsoluteHigh"`
}

type absoluteHigh struct {
	Elevation    int `xml:"elevation"`
	Azimuth      int `xml:"azimuth"`
	AbsoluteZoom int `xml:"absoluteZoom"`
}

type responseStatus struct {
	XMLName       xml.Name `xml:"ResponseStatus"`
	StatusCode    int      `xml:"statusCode"`
	StatusString  string   `xml:"statusString"`
	SubStatusCode string   `xml:"subStatusCode"`
}

// checkResponseStatus parses an ISAPI ResponseStatus body. statusCode 1 is
// the only success value. Devices that answer a command with a bare 200 and
// no ResponseStatus body also pass.
func checkResponseStatus(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	var rs responseStatus
	if err := xml.Unmarshal(body, &rs); err != nil {
		// Not a ResponseStatus document; the 2xx status already signalled
		// success.
		return nil
	}
	if rs.StatusCode != 1 {
		return fmt.Errorf("device rejected command: %s (code %d, sub %s)", rs.StatusString, rs.StatusCode, rs.SubStatusCode)
	}
	return nil
}

type searchDescription struct {
	XMLName        xml.Name     `xml:"CMSearchDescription"`
	XMLVersion     string       `xml:"version,attr"`
	SearchID       string       `xml:"searchID"`
	TrackList      trackList    `xml:"trackList"`
	TimeSpanList   timeSpanList `xml:"timeSpanList"`
	MaxResults     int          `xml:"maxResults"`
	SearchPosition int          `xml:"searchResultPosition"`
	MetadataList   metadataList `xml:"metadataList"`
}

type trackList struct {
	TrackIDs []int `xml:"trackID"`
}

type timeSpanList struct {
	Spans []timeSpan `xml:"timeSpan"`
}

type timeSpan struct {
	Start string `xml:"startTime"`
	End   string `xml:"endTime"`
}

type metadataList struct {
	Descriptors []string `xml:"metadataDescriptor"`
}

type searchResult struct {
	XMLName        xml.Name `xml:"CMSearchResult"`
	ResponseStatus string   `xml:"responseStatus"`
	NumOfMatches   int      `xml:"numOfMatches"`
	MatchList      struct {
		Items []searchMatchItem `xml:"searchMatchItem"`
	} `xml:"matchList"`
}

type searchMatchItem struct {
	TrackID  int      `xml:"trackID"`
	TimeSpan timeSpan `xml:"timeSpan"`
	Media    struct {
		ContentType string `xml:"contentType"`
		PlaybackURI string `xml:"playbackURI"`
	} `xml:"mediaSegmentDescriptor"`
}

func parseSearchResult(body []byte) ([]adapter.RecordingSegment, error) {
	var res searchResult
	if err := xml.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("invalid search response: %w", err)
	}
	if res.ResponseStatus != "true" {
		return nil, fmt.Errorf("search rejected by device (responseStatus %q)", res.ResponseStatus)
	}

	segments := make([]adapter.RecordingSegment, 0, len(res.MatchList.Items))
	for _, item := range res.MatchList.Items {
		start, err := time.Parse(isapiTimeLayout, item.TimeSpan.Start)
		if err != nil {
			return nil, fmt.Errorf("invalid segment start time %q: %w", item.TimeSpan.Start, err)
		}
		end, err := time.Parse(isapiTimeLayout, item.TimeSpan.End)
		if err != nil {
			return nil, fmt.Errorf("invalid segment end time %q: %w", item.TimeSpan.End, err)
		}

		seg := adapter.RecordingSegment{
			TrackID:     item.TrackID,
			Start:       start,
			End:         end,
			ContentType: item.Media.ContentType,
			PlaybackURI: item.Media.PlaybackURI,
		}
		seg.Filename, seg.Size = playbackFileInfo(item.Media.PlaybackURI)
		segments = append(segments, seg)
	}
	return segments, nil
}

// playbackFileInfo pulls the file name and size the device encodes into the
// playbackURI query string, when present.
func playbackFileInfo(playbackURI string) (string, int64) {
	u, err := url.Parse(playbackURI)
	if err != nil {
		return "", 0
	}
	q := u.Query()
	name := q.Get("name")
	var size int64
	if raw := q.Get("size"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			size = n
		}
	}
	return name, size
}
