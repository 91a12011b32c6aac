package bluetooth

const (
	BLUEZ_BUS_NAME                        = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE               = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE                = "org.bluez.Device1"
	BLUEZ_NETWORK_INTERFACE               = "org.bluez.Network1"
	BLUEZ_LE_ADVERTISING_MANAGER          = "org.bluez.LEAdvertisingManager1"
	BLUEZ_OBJECT_PATH                     = "/org/bluez"
	DBUS_PROPERTIES_INTERFACE             = "org.freedesktop.DBus.Properties"
	DBUS_OBJECT_MANAGER_INTERFACE         = "org.freedesktop.DBus.ObjectManager"
	DBUS_PROPERTIES_CHANGED_SIGNAL        = DBUS_PROPERTIES_INTERFACE + ".PropertiesChanged"
	DEFAULT_PAN_ROLE                      = "nap"
	PAN_INTERFACE_PREFIX                  = "bnep"
	DEVICE_PATH_PREFIX                    = "dev_"
	COMPANY_ID_APPLE               uint16 = 0x004C
)
