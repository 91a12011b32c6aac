package ws

type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

const (
	EventDeviceDisconnected  = "bluetooth/disconnect"
	EventNetworkConnected    = "bluetooth/network/connect"
	EventNetworkDisconnected = "bluetooth/network/disconnect"
	EventDeviceRefreshed     = "bluetooth/device/refresh"
)

type DeviceDisconnectedPayload struct {
	Address string `json:"address"`
}

type NetworkConnectedPayload struct {
	Address   string `json:"address"`
	Interface string `json:"interface"`
}

type NetworkDisconnectedPayload struct {
	Address   string `json:"address,omitempty"`
	Interface string `json:"interface,omitempty"`
}

type DeviceRefreshedPayload struct {
	Address string `json:"address"`
}
