package filenameprovider

import "github.com/NSLS-II/nslsii-go/shortuuid"

// DefaultSeparator joins device name and short id unless overridden.
const DefaultSeparator = "_"

// ShortUUIDProvider names files "<device><separator><shortuuid>", or just
// "<shortuuid>" when no device name is supplied. Every call draws a fresh
// random id, successive file names never repeat.
type ShortUUIDProvider struct {
	separator string
}

// Option configures a ShortUUIDProvider.
type Option func(*ShortUUIDProvider)

// WithSeparator overrides the device/id separator. An empty string is valid
// and concatenates the two directly.
func WithSeparator(sep string) Option {
	return func(p *ShortUUIDProvider) {
		p.separator = sep
	}
}

// NewShortUUIDProvider returns a provider with the default "_" separator
// unless overridden by options.
func NewShortUUIDProvider(opts ...Option) *ShortUUIDProvider {
	p := &ShortUUIDProvider{separator: DefaultSeparator}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Filename returns a new unique file name stem for the device.
func (p *ShortUUIDProvider) Filename(deviceName string) (string, error) {
	sid, err := shortuuid.New()
	if err != nil {
		return "", err
	}
	if deviceName == "" {
		return sid, nil
	}
	return deviceName + p.separator + sid, nil
}
