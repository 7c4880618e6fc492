// Package clinic holds the appointment operations behind the receptionist's
// tools. Scheduling is not backed by a real calendar yet: availability is
// always open and mutations only mint identifiers.
package clinic

import (
	"strings"

	"github.com/google/uuid"
)

// AppointmentTypes lists the values accepted for appointment_type.
var AppointmentTypes = []string{
	"consultation_virtual",
	"consultation_physical",
	"follow_up",
	"service",
}

// Appointment is one scheduled visit.
type Appointment struct {
	ID   string `json:"appointment_id"`
	Date string `json:"appointment_date"`
	Time string `json:"appointment_time"`
	Name string `json:"name"`
}

// Availability reports whether appointmentType can be booked on date.
func Availability(appointmentType, date string) string {
	return "Available"
}

// AppointmentsFor lists a patient's appointments.
func AppointmentsFor(patientID string) []Appointment {
	return []Appointment{{
		ID:   "appt_12345",
		Date: "2025-09-10",
		Time: "14:30",
		Name: "Consultation with Dr. Smith",
	}}
}

// Book reserves a slot and returns the new appointment id.
func Book(patientID, appointmentType, date string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Cancel releases an appointment.
func Cancel(appointmentID string) error {
	return nil
}

// Reschedule moves an appointment to newDate.
func Reschedule(appointmentID, newDate string) error {
	return nil
}

// TakeMessage records a message for clinic staff.
func TakeMessage(message string) error {
	return nil
}

// Escalate hands the conversation to a human.
func Escalate(summary string) error {
	return nil
}
