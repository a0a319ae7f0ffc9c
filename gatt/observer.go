package gatt

// Operation names a characteristic operation reported to an Observer
type Operation string

const (
	OpRead                 Operation = "read"
	OpWrite                Operation = "write"
	OpWriteWithoutResponse Operation = "write_without_response"
	OpNotify               Operation = "notify"
	OpMonitor              Operation = "monitor"
	OpUpdate               Operation = "update"
)

// Event describes one characteristic operation
type Event struct {
	Operation          Operation
	PeripheralID       string
	ServiceUUID        string
	CharacteristicUUID string
	Value              []byte
	Err                error
}

// Observer receives every characteristic operation on a peripheral.
// It is called synchronously and must not call back into the peripheral.
type Observer interface {
	ObserveOperation(ev Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(ev Event)

func (f ObserverFunc) ObserveOperation(ev Event) {
	f(ev)
}
