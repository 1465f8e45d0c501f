package nslsii

import "github.com/NSLS-II/nslsii-go/filenameprovider"

// NewNSLS2PathProvider returns the facility-default provider: the
// proposal/date directory layout with fresh short-UUID file names. Options
// pass through to the underlying ProposalYMDPathProvider.
func NewNSLS2PathProvider(md Metadata, opts ...ProviderOption) (*ProposalYMDPathProvider, error) {
	return NewProposalYMDPathProvider(filenameprovider.NewShortUUIDProvider(), md, opts...)
}
