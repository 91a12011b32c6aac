package bluetooth

import (
	"fmt"
	"reflect"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// DeviceProperties is a typed snapshot of the org.bluez.Device1 properties
// this package understands.
type DeviceProperties struct {
	ServicesResolved bool             `json:"servicesResolved"`
	ManufacturerData ManufacturerData `json:"manufacturerData"`
	Blocked          bool             `json:"blocked"`
	Adapter          string           `json:"adapter"`
	RSSI             int16            `json:"rssi"`
	Name             string           `json:"name"`
	Address          string           `json:"address"`
	Paired           bool             `json:"paired"`
	Icon             string           `json:"icon"`
	Alias            string           `json:"alias"`
	Trusted          bool             `json:"trusted"`
	AddressType      string           `json:"addressType"`
	Class            uint64           `json:"class"`
	UUIDs            []uuid.UUID      `json:"uuids"`
	LegacyPairing    bool             `json:"legacyPairing"`
	Connected        bool             `json:"connected"`
}

func (p DeviceProperties) clone() DeviceProperties {
	p.ManufacturerData = p.ManufacturerData.clone()
	if p.UUIDs != nil {
		p.UUIDs = append([]uuid.UUID(nil), p.UUIDs...)
	}
	return p
}

type propertyRule struct {
	key   string
	apply func(p *DeviceProperties, key string, value interface{}) error
}

// Rules run in order. Adapter comes after Path so it wins when both are set.
var devicePropertyRules = []propertyRule{
	{"ServicesResolved", boolRule(func(p *DeviceProperties) *bool { return &p.ServicesResolved })},
	{"ManufacturerData", func(p *DeviceProperties, key string, v interface{}) error {
		md, err := decodeManufacturerData(key, v)
		if err != nil {
			return err
		}
		p.ManufacturerData = md
		return nil
	}},
	{"Blocked", boolRule(func(p *DeviceProperties) *bool { return &p.Blocked })},
	{"Path", stringRule(func(p *DeviceProperties) *string { return &p.Adapter })},
	{"RSSI", func(p *DeviceProperties, key string, v interface{}) error {
		n, ok := integerBits(v)
		if !ok {
			return &DecodeError{Key: key, Want: "integer", Got: v}
		}
		p.RSSI = int16(n)
		return nil
	}},
	{"Adapter", stringRule(func(p *DeviceProperties) *string { return &p.Adapter })},
	{"Name", stringRule(func(p *DeviceProperties) *string { return &p.Name })},
	{"Address", stringRule(func(p *DeviceProperties) *string { return &p.Address })},
	{"Paired", boolRule(func(p *DeviceProperties) *bool { return &p.Paired })},
	{"Icon", stringRule(func(p *DeviceProperties) *string { return &p.Icon })},
	{"Alias", stringRule(func(p *DeviceProperties) *string { return &p.Alias })},
	{"Trusted", boolRule(func(p *DeviceProperties) *bool { return &p.Trusted })},
	{"AddressType", stringRule(func(p *DeviceProperties) *string { return &p.AddressType })},
	{"Class", func(p *DeviceProperties, key string, v interface{}) error {
		n, ok := integerBits(v)
		if !ok {
			return &DecodeError{Key: key, Want: "integer", Got: v}
		}
		p.Class = n
		return nil
	}},
	{"UUIDs", func(p *DeviceProperties, key string, v interface{}) error {
		uuids, err := decodeUUIDs(key, v)
		if err != nil {
			return err
		}
		p.UUIDs = uuids
		return nil
	}},
	{"LegacyPairing", boolRule(func(p *DeviceProperties) *bool { return &p.LegacyPairing })},
	{"Connected", boolRule(func(p *DeviceProperties) *bool { return &p.Connected })},
}

// DecodeDeviceProperties converts a Device1 property map into DeviceProperties.
// Missing keys keep their zero value and unknown keys are ignored. A known key
// holding a value of the wrong shape fails the whole decode with a *DecodeError.
func DecodeDeviceProperties(raw map[string]dbus.Variant) (DeviceProperties, error) {
	var props DeviceProperties

	for _, rule := range devicePropertyRules {
		v, ok := raw[rule.key]
		if !ok {
			continue
		}
		if err := rule.apply(&props, rule.key, unwrapVariant(v.Value())); err != nil {
			return DeviceProperties{}, err
		}
	}

	return props, nil
}

func unwrapVariant(v interface{}) interface{} {
	if inner, ok := v.(dbus.Variant); ok {
		return inner.Value()
	}
	return v
}

func boolRule(field func(*DeviceProperties) *bool) func(*DeviceProperties, string, interface{}) error {
	return func(p *DeviceProperties, key string, v interface{}) error {
		if b, ok := v.(bool); ok {
			*field(p) = b
			return nil
		}
		n, ok := integerBits(v)
		if !ok {
			return &DecodeError{Key: key, Want: "bool", Got: v}
		}
		*field(p) = n != 0
		return nil
	}
}

func stringRule(field func(*DeviceProperties) *string) func(*DeviceProperties, string, interface{}) error {
	return func(p *DeviceProperties, key string, v interface{}) error {
		switch s := v.(type) {
		case string:
			*field(p) = s
		case dbus.ObjectPath:
			*field(p) = string(s)
		default:
			return &DecodeError{Key: key, Want: "string", Got: v}
		}
		return nil
	}
}

// integerBits returns the two's-complement bits of any integer value so
// callers can narrow with a plain conversion.
func integerBits(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case int8:
		return uint64(n), true
	case int16:
		return uint64(n), true
	case int32:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	}
	return 0, false
}

func decodeManufacturerData(key string, v interface{}) (ManufacturerData, error) {
	switch m := v.(type) {
	case map[uint16]dbus.Variant:
		id, ok := firstCompanyID(m)
		if !ok {
			return ManufacturerData{}, nil
		}
		data, ok := unwrapVariant(m[id].Value()).([]byte)
		if !ok {
			return ManufacturerData{}, &DecodeError{Key: key, Want: "byte array", Got: m[id].Value()}
		}
		return ManufacturerData{Company: CompanyFromID(id), ID: id, Data: data}, nil
	case map[uint16][]byte:
		id, ok := firstCompanyID(m)
		if !ok {
			return ManufacturerData{}, nil
		}
		return ManufacturerData{Company: CompanyFromID(id), ID: id, Data: m[id]}, nil
	}

	// Maps keyed by anything but a company id carry nothing we read.
	if v != nil && reflect.TypeOf(v).Kind() == reflect.Map {
		return ManufacturerData{}, nil
	}
	return ManufacturerData{}, &DecodeError{Key: key, Want: "map of company id to bytes", Got: v}
}

func decodeUUIDs(key string, v interface{}) ([]uuid.UUID, error) {
	var raw []string
	switch list := v.(type) {
	case []string:
		raw = list
	case []interface{}:
		raw = make([]string, 0, len(list))
		for _, item := range list {
			s, ok := unwrapVariant(item).(string)
			if !ok {
				return nil, &DecodeError{Key: key, Want: "array of strings", Got: item}
			}
			raw = append(raw, s)
		}
	default:
		return nil, &DecodeError{Key: key, Want: "array of strings", Got: v}
	}

	uuids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		u, err := parseCanonicalUUID(s)
		if err != nil {
			return nil, &DecodeError{Key: key, Want: "uuid", Got: s, Err: err}
		}
		uuids = append(uuids, u)
	}
	return uuids, nil
}

// parseCanonicalUUID only accepts the 8-4-4-4-12 form BlueZ reports.
func parseCanonicalUUID(s string) (uuid.UUID, error) {
	if len(s) != 36 {
		return uuid.Nil, fmt.Errorf("invalid UUID %q", s)
	}
	return uuid.Parse(s)
}
