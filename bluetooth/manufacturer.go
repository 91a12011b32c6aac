package bluetooth

// ManufacturerCompany is a known vendor tag derived from a Bluetooth SIG
// company identifier.
type ManufacturerCompany int

const (
	CompanyUnknown ManufacturerCompany = iota
	CompanyApple
)

// New vendors go here as their identifiers are published.
var knownCompanies = map[uint16]ManufacturerCompany{
	COMPANY_ID_APPLE: CompanyApple,
}

// CompanyFromID maps a 16-bit company identifier to its vendor tag.
// Identifiers that are not known map to CompanyUnknown.
func CompanyFromID(id uint16) ManufacturerCompany {
	if c, ok := knownCompanies[id]; ok {
		return c
	}
	return CompanyUnknown
}

func (c ManufacturerCompany) String() string {
	switch c {
	case CompanyApple:
		return "apple"
	default:
		return "unknown"
	}
}

func (c ManufacturerCompany) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText. Anything else
// decodes as CompanyUnknown.
func (c *ManufacturerCompany) UnmarshalText(text []byte) error {
	switch string(text) {
	case "apple":
		*c = CompanyApple
	default:
		*c = CompanyUnknown
	}
	return nil
}

type ManufacturerData struct {
	Company ManufacturerCompany `json:"company"`
	ID      uint16              `json:"id"`
	Data    []byte              `json:"data"`
}

func (m ManufacturerData) clone() ManufacturerData {
	if m.Data != nil {
		m.Data = append([]byte(nil), m.Data...)
	}
	return m
}

// firstCompanyID returns the lowest key so that the chosen pair does not
// depend on map iteration order.
func firstCompanyID[V any](m map[uint16]V) (uint16, bool) {
	var (
		first uint16
		found bool
	)
	for id := range m {
		if !found || id < first {
			first, found = id, true
		}
	}
	return first, found
}
