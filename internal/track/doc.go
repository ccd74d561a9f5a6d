// Package track defines the navigation records, sessions, driver events and
// collaborator interfaces shared by the capture, durability and upload
// subsystems.
package track
