package tools

import (
	"context"
	"fmt"

	"github.com/clinicvoice/callbridge/internal/clinic"
	"github.com/clinicvoice/callbridge/internal/patients"
)

type availabilityArgs struct {
	AppointmentType string `json:"appointment_type" validate:"required,oneof=consultation_virtual consultation_physical follow_up service"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
}

type patientIDArgs struct {
	PatientID string `json:"patient_id" validate:"required"`
}

type phoneArgs struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
}

type createPatientArgs struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
}

type bookArgs struct {
	PatientID       string `json:"patient_id" validate:"required"`
	AppointmentType string `json:"appointment_type" validate:"required,oneof=consultation_virtual consultation_physical follow_up service"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
}

type appointmentIDArgs struct {
	AppointmentID string `json:"appointment_id" validate:"required"`
}

type rescheduleArgs struct {
	AppointmentID string `json:"appointment_id" validate:"required"`
	NewDate       string `json:"new_date" validate:"required,datetime=2006-01-02"`
}

type messageArgs struct {
	Message string `json:"message" validate:"required"`
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func appointmentTypeProp(description string) map[string]any {
	p := stringProp(description)
	p["enum"] = clinic.AppointmentTypes
	return p
}

func object(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// ClinicEntries returns the receptionist's tools backed by dir.
func ClinicEntries(dir patients.Directory) []Entry {
	return []Entry{
		Bind(CheckAvailability,
			"Check if appointments are available for a given appointment type on a specific date (YYYY-MM-DD).",
			object([]string{"appointment_type", "date"}, map[string]any{
				"appointment_type": appointmentTypeProp("The type of appointment you are checking availability for."),
				"date":             stringProp("Target date in YYYY-MM-DD."),
			}),
			true,
			func(_ context.Context, a availabilityArgs) (map[string]any, error) {
				return map[string]any{
					"appointment_type": a.AppointmentType,
					"date":             a.Date,
					"availability":     clinic.Availability(a.AppointmentType, a.Date),
				}, nil
			}),

		Bind(LookupAppointmentsForPatient,
			"List appointments for a patient by their patient_id.",
			object([]string{"patient_id"}, map[string]any{
				"patient_id": stringProp("Unique identifier for the patient."),
			}),
			true,
			func(_ context.Context, a patientIDArgs) (map[string]any, error) {
				return map[string]any{
					"patient_id": a.PatientID,
					"results":    map[string]any{"appointments": clinic.AppointmentsFor(a.PatientID)},
				}, nil
			}),

		Bind(LookupPatient,
			"Find a patient by their phone number.",
			object([]string{"phone_number"}, map[string]any{
				"phone_number": stringProp("Phone number of the patient."),
			}),
			true,
			func(ctx context.Context, a phoneArgs) (map[string]any, error) {
				res, err := dir.LookupByPhone(ctx, a.PhoneNumber)
				if err != nil {
					return nil, err
				}
				var patient any
				if res.Found() {
					patient = res.Patient.Map()
				}
				return map[string]any{
					"phone_number": a.PhoneNumber,
					"patient":      patient,
				}, nil
			}),

		Bind(CreatePatient,
			"Create a new patient with phone number, name, and email.",
			object([]string{"phone_number", "name", "email"}, map[string]any{
				"phone_number": stringProp("Phone number of the patient."),
				"name":         stringProp("Full name of the patient."),
				"email":        stringProp("Email address of the patient."),
			}),
			false,
			func(ctx context.Context, a createPatientArgs) (map[string]any, error) {
				p, err := dir.Create(ctx, a.PhoneNumber, a.Name, a.Email)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"message":      "Patient created successfully. Patient ID: " + p.ID,
					"phone_number": a.PhoneNumber,
					"name":         a.Name,
					"email":        a.Email,
				}, nil
			}),

		Bind(BookAppointment,
			"Book an appointment for the patient on the specified date. Ensure required fields are present and check availability when appropriate.",
			object([]string{"patient_id", "appointment_type", "date"}, map[string]any{
				"patient_id":       stringProp("Unique identifier for the patient."),
				"appointment_type": appointmentTypeProp("The type of appointment you are booking."),
				"date":             stringProp("Appointment date in YYYY-MM-DD."),
			}),
			false,
			func(_ context.Context, a bookArgs) (map[string]any, error) {
				id := clinic.Book(a.PatientID, a.AppointmentType, a.Date)
				return map[string]any{
					"message":          "Appointment booked successfully. Appointment ID: " + id,
					"patient_id":       a.PatientID,
					"appointment_type": a.AppointmentType,
					"date":             a.Date,
				}, nil
			}),

		Bind(CancelAppointment,
			"Cancel a scheduled appointment by its appointment_id.",
			object([]string{"appointment_id"}, map[string]any{
				"appointment_id": stringProp("Unique identifier of the appointment to cancel."),
			}),
			false,
			func(_ context.Context, a appointmentIDArgs) (map[string]any, error) {
				if err := clinic.Cancel(a.AppointmentID); err != nil {
					return nil, err
				}
				return map[string]any{
					"message":        "Appointment cancelled successfully.",
					"appointment_id": a.AppointmentID,
				}, nil
			}),

		Bind(RescheduleAppointment,
			"Reschedule an existing appointment to a new date. Check availability when appropriate.",
			object([]string{"appointment_id", "new_date"}, map[string]any{
				"appointment_id": stringProp("Unique identifier of the appointment to reschedule."),
				"new_date":       stringProp("New appointment date in YYYY-MM-DD."),
			}),
			false,
			func(_ context.Context, a rescheduleArgs) (map[string]any, error) {
				if err := clinic.Reschedule(a.AppointmentID, a.NewDate); err != nil {
					return nil, err
				}
				return map[string]any{
					"message":        "Appointment rescheduled successfully.",
					"appointment_id": a.AppointmentID,
					"new_date":       a.NewDate,
				}, nil
			}),

		Bind(TakeMessage,
			"Record a message for clinic staff when the user wants to leave information or a request.",
			object([]string{"message"}, map[string]any{
				"message": stringProp("The user's message for clinic staff."),
			}),
			true,
			func(_ context.Context, a messageArgs) (map[string]any, error) {
				if err := clinic.TakeMessage(a.Message); err != nil {
					return nil, err
				}
				return map[string]any{
					"message":      "Message taken successfully.",
					"user_message": a.Message,
				}, nil
			}),

		Bind(EscalateToHuman,
			"Escalate the request to human staff. Include a concise summary of the situation and what is needed to proceed.",
			object([]string{"message"}, map[string]any{
				"message": stringProp("Summary of context, what the user wants, and any missing info."),
			}),
			true,
			func(_ context.Context, a messageArgs) (map[string]any, error) {
				if err := clinic.Escalate(a.Message); err != nil {
					return nil, err
				}
				return map[string]any{
					"message": "Transferring to human staff.",
					"summary": a.Message,
				}, nil
			}),
	}
}

// ClinicTable builds the full dispatch table for dir.
func ClinicTable(dir patients.Directory) (*Table, error) {
	if dir == nil {
		return nil, fmt.Errorf("tools: patient directory is required")
	}
	return NewTable(ClinicEntries(dir)...)
}
