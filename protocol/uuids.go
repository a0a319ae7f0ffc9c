package protocol

// Service and characteristic identifiers used by the irrigation controller
// firmware. The valve-control characteristic shares the service prefix; the
// others differ in their first group.
const (
	ServiceUUID       = "12345678-1234-5678-1234-56789abcdef0"
	ValveControlUUID  = "12345678-1234-5678-1234-56789abcdef1"
	ConfigurationUUID = "22345678-1234-5678-1234-56789abcdef2"
	TimerUUID         = "42345678-1234-5678-1234-56789abcdef4"
	AlertUUID         = "52345678-1234-5678-1234-56789abcdef5"
)

// CharacteristicName returns a short label for logs and traces
func CharacteristicName(id string) string {
	switch id {
	case ValveControlUUID:
		return "valve-control"
	case ConfigurationUUID:
		return "configuration"
	case TimerUUID:
		return "timer"
	case AlertUUID:
		return "alert"
	case ServiceUUID:
		return "service"
	default:
		return id
	}
}
