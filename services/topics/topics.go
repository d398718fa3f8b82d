// Package topics defines the bus topic layout shared by the services.
//
//	device/<id>/info          retained types.DeviceAnnounce
//	device/<id>/measurement   types.MeasurementMsg
//	device/<id>/field         types.FieldMsg
//	device/<id>/error         types.ErrorMsg
//	device/<id>/sequence      sequence lifecycle + progress messages
//	trigger/<scriptId>        trigger lifecycle + fired messages
package topics

import "benchlab-go/bus"

func Device(id string) bus.Topic { return bus.T("device", id) }

func Info(id string) bus.Topic        { return Device(id).Append("info") }
func Measurement(id string) bus.Topic { return Device(id).Append("measurement") }
func Field(id string) bus.Topic       { return Device(id).Append("field") }
func Error(id string) bus.Topic       { return Device(id).Append("error") }
func Sequence(id string) bus.Topic    { return Device(id).Append("sequence") }

// device/<id>/#
func DeviceAll(id string) bus.Topic { return Device(id).Append("#") }

// device/#
func AllDevices() bus.Topic { return bus.T("device", "#") }

// device/+/sequence
func AllSequences() bus.Topic { return bus.T("device", "+", "sequence") }

// device/+/measurement
func AllMeasurements() bus.Topic { return bus.T("device", "+", "measurement") }

func Trigger(scriptID string) bus.Topic { return bus.T("trigger", scriptID) }

// trigger/#
func AllTriggers() bus.Topic { return bus.T("trigger", "#") }
