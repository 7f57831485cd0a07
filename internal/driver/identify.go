package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/benchlab/benchd/internal/transport"
)

// ParseIDN parses a standard `*IDN?` reply of the form
// "manufacturer,model,serial,firmware". Fewer fields are tolerated;
// missing fields stay empty.
func ParseIDN(raw string) (DeviceInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DeviceInfo{}, &Error{Op: "identify", Code: CodeIdentifyFailed, Err: fmt.Errorf("empty IDN reply")}
	}
	parts := strings.Split(raw, ",")
	info := DeviceInfo{RawIDN: raw}
	for i, p := range parts {
		p = strings.TrimSpace(p)
		switch i {
		case 0:
			info.Manufacturer = p
		case 1:
			info.Model = p
		case 2:
			info.Serial = p
		case 3:
			info.Firmware = p
		}
	}
	if info.Manufacturer == "" || info.Model == "" {
		return DeviceInfo{}, &Error{Op: "identify", Code: CodeIdentifyFailed, Err: fmt.Errorf("unusable IDN reply %q", raw)}
	}
	return info, nil
}

// DeviceID derives the stable device identifier from an instrument's
// identity. The same physical device yields the same ID regardless of
// which port it appears on.
func DeviceID(info DeviceInfo) string {
	raw := info.Manufacturer + "-" + info.Model + "-" + info.Serial
	raw = strings.ToLower(raw)

	var b strings.Builder
	b.Grow(len(raw))
	lastDash := false
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r == '-' || r == ' ' || r == '_' || r == '.':
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		default:
			// Drop anything else.
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Identify queries `*IDN?` over tr and parses the reply. Used during
// discovery before any driver has been constructed.
func Identify(ctx context.Context, tr transport.Transport) (DeviceInfo, error) {
	reply, err := tr.Query(ctx, "*IDN?")
	if err != nil {
		return DeviceInfo{}, &Error{Op: "identify", Code: CodeIdentifyFailed, Err: err}
	}
	return ParseIDN(reply)
}
