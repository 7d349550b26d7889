package aacp

// Event is the closed set of decoded inbound events. The router publishes
// every event to the session's broadcast stream; consumers switch on the
// concrete type.
type Event interface {
	isEvent()
}

// EarDetectionEvent carries the previous and current in-ear state.
type EarDetectionEvent struct {
	Old EarState
	New EarState
}

// BatteryEvent carries a full set of readings; session state is replaced
// wholesale, never merged.
type BatteryEvent struct {
	Readings []BatteryReading
}

// ControlCommandEvent carries one updated control-command value.
type ControlCommandEvent struct {
	Status ControlCommandStatus
}

// ConversationAwarenessEvent reports whether the wearer is speaking.
type ConversationAwarenessEvent struct {
	Active bool
}

// ConnectedDevicesEvent carries the accessory's session list before and
// after the change.
type ConnectedDevicesEvent struct {
	Old []ConnectedDeviceInfo
	New []ConnectedDeviceInfo
}

// OwnershipRequestEvent signals that another host asked this one to give up
// ownership of the accessory.
type OwnershipRequestEvent struct{}

func (EarDetectionEvent) isEvent()          {}
func (BatteryEvent) isEvent()               {}
func (ControlCommandEvent) isEvent()        {}
func (ConversationAwarenessEvent) isEvent() {}
func (ConnectedDevicesEvent) isEvent()      {}
func (OwnershipRequestEvent) isEvent()      {}
