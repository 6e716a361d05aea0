// Package aisdecode turns raw AIVDM/AIVDO sentences into vessel reports.
// Sentence parsing, six-bit de-armoring and checksums are done by go-ais;
// this package only assembles raw text and maps message types.
package aisdecode

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	ais "github.com/BertoldVdb/go-ais"
	"github.com/BertoldVdb/go-ais/aisnmea"

	"github.com/ais-virtualnet/backend/internal/models"
)

// ErrIncomplete is returned by Decode when the input ends in the middle of a
// multi-sentence message.
var ErrIncomplete = errors.New("incomplete multi-sentence message")

// Decode parses one complete message, which may span several sentences
// separated by newlines. It is safe for concurrent use.
func Decode(raw string) (*models.VesselReport, error) {
	s := NewStream()
	var report *models.VesselReport
	for _, line := range splitLines(raw) {
		r, err := s.Push(line)
		if err != nil {
			return nil, err
		}
		if r != nil {
			report = r
		}
	}
	if report == nil {
		return nil, ErrIncomplete
	}
	return report, nil
}

// Stream decodes a sentence feed line by line, keeping multi-sentence
// messages until their last part arrives. Not safe for concurrent use.
type Stream struct {
	codec   *aisnmea.NMEACodec
	pending map[string][]string // sequence id and channel → raw parts received so far
	now     func() time.Time
}

// NewStream creates a Stream.
func NewStream() *Stream {
	return &Stream{
		codec:   aisnmea.NMEACodecNew(ais.CodecNew(false, false)),
		pending: make(map[string][]string),
		now:     time.Now,
	}
}

// Push feeds one sentence. It returns nil, nil while a multi-sentence
// message is still incomplete.
func (s *Stream) Push(line string) (*models.VesselReport, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	total, key := fragmentInfo(line)
	if total > 1 {
		s.pending[key] = append(s.pending[key], line)
		if len(s.pending[key]) > total {
			// Lost a part somewhere; start over from this one.
			s.pending[key] = []string{line}
		}
	}

	vdm, err := s.codec.ParseSentence(line)
	if err != nil {
		if total > 1 {
			delete(s.pending, key)
		}
		return nil, fmt.Errorf("failed to parse sentence: %w", err)
	}
	if vdm == nil || vdm.Packet == nil {
		return nil, nil
	}

	raw := line
	if total > 1 {
		raw = strings.Join(s.pending[key], "\n")
		delete(s.pending, key)
	}
	return toReport(vdm.Packet, raw, s.now())
}

// fragmentInfo extracts the fragment count and a pending key made of the
// sequential message id and radio channel from
// "!AIVDM,<count>,<number>,<seq>,<channel>,...". Single-part lines get count 1.
func fragmentInfo(line string) (int, string) {
	fields := strings.SplitN(line, ",", 6)
	if len(fields) < 5 {
		return 1, ""
	}
	total := 0
	for _, c := range fields[1] {
		if c < '0' || c > '9' {
			return 1, ""
		}
		total = total*10 + int(c-'0')
	}
	return total, fields[3] + "/" + fields[4]
}

func splitLines(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == '\r' })
}

func toReport(p ais.Packet, raw string, now time.Time) (*models.VesselReport, error) {
	hdr := p.GetHeader()
	if hdr == nil {
		return nil, errors.New("packet without header")
	}
	r := &models.VesselReport{
		MMSI:       hdr.UserID,
		MessageID:  hdr.MessageID,
		Kind:       models.ReportKindOther,
		Raw:        raw,
		ReceivedAt: now,
	}

	switch m := deref(p).(type) {
	case ais.PositionReport:
		r.Kind = models.ReportKindPosition
		r.Position = position(float64(m.Latitude), float64(m.Longitude))
	case ais.StandardClassBPositionReport:
		r.Kind = models.ReportKindPosition
		r.Position = position(float64(m.Latitude), float64(m.Longitude))
	case ais.ExtendedClassBPositionReport:
		r.Kind = models.ReportKindPosition
		r.Position = position(float64(m.Latitude), float64(m.Longitude))
		r.Name = cleanName(m.Name)
	case ais.LongRangeAisBroadcastMessage:
		r.Kind = models.ReportKindPosition
		r.Position = position(float64(m.Latitude), float64(m.Longitude))
	case ais.ShipStaticData:
		r.Kind = models.ReportKindStatic
		r.Name = cleanName(m.Name)
	case ais.StaticDataReport:
		r.Kind = models.ReportKindStatic
		if m.ReportA.Valid {
			r.Name = cleanName(m.ReportA.Name)
		}
	}
	return r, nil
}

// deref lets the type switch match whether the codec hands out values or
// pointers.
func deref(p ais.Packet) any {
	v := reflect.ValueOf(p)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		return v.Elem().Interface()
	}
	return p
}

// position returns nil for the "not available" markers (lat 91, lon 181)
// and anything else out of range.
func position(lat, lon float64) *models.Position {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil
	}
	return &models.Position{Lat: lat, Lon: lon}
}

func cleanName(name string) string {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}
