package logging

import "log/slog"

// Common field names for consistent logging across components.
const (
	FieldComponent = "component"
	FieldSensorID  = "sensor_id"
	FieldAttribute = "attribute"
	FieldSocketID  = "socket_id"
	FieldUserID    = "user_id"
	FieldLevel     = "level"
	FieldLoadLevel = "load_level"
	FieldSubject   = "subject"
	FieldError     = "error"
	FieldCount     = "count"
)

// Component returns a slog attribute for the component name.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// Sensor returns a slog attribute for the sensor ID.
func Sensor(id string) slog.Attr {
	return slog.String(FieldSensorID, id)
}

// Attribute returns a slog attribute for the attribute ID.
func Attribute(id string) slog.Attr {
	return slog.String(FieldAttribute, id)
}

// Socket returns a slog attribute for the socket ID.
func Socket(id string) slog.Attr {
	return slog.String(FieldSocketID, id)
}

// User returns a slog attribute for the user ID.
func User(id string) slog.Attr {
	return slog.String(FieldUserID, id)
}

// Subject returns a slog attribute for the broker subject.
func Subject(s string) slog.Attr {
	return slog.String(FieldSubject, s)
}

// Err returns a slog attribute for an error value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// Count returns a slog attribute for a count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}
