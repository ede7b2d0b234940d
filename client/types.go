package client

import (
	"time"

	"estateflow/session"
)

// User is the signed-in principal as reported by the server.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

// SessionResponse is returned by the sign-in, sign-up and refresh endpoints.
type SessionResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	User        User      `json:"user"`
}

func (r SessionResponse) session() *session.Session {
	return &session.Session{
		PrincipalID: r.User.ID,
		Email:       r.User.Email,
		Token:       r.AccessToken,
		ExpiresAt:   r.ExpiresAt,
	}
}

// Application is an agent application.
type Application struct {
	ID              string     `json:"id"`
	PrincipalID     string     `json:"principalId"`
	FullName        string     `json:"fullName"`
	Phone           string     `json:"phone"`
	Email           string     `json:"email"`
	Company         *string    `json:"company,omitempty"`
	LicenseNumber   *string    `json:"licenseNumber,omitempty"`
	ExperienceYears *int       `json:"experienceYears,omitempty"`
	Status          string     `json:"status"`
	ReviewedBy      *string    `json:"reviewedBy,omitempty"`
	ReviewedAt      *time.Time `json:"reviewedAt,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// ReviewResult is the outcome of ReviewApplication.
type ReviewResult struct {
	Application Application `json:"application"`
	RoleGranted bool        `json:"roleGranted"`
	Replayed    bool        `json:"replayed"`
}

// SubmitApplicationRequest is the body of SubmitApplication.
type SubmitApplicationRequest struct {
	FullName        string `json:"fullName"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	Company         string `json:"company,omitempty"`
	LicenseNumber   string `json:"licenseNumber,omitempty"`
	ExperienceYears *int   `json:"experienceYears,omitempty"`
}

// RegisterAgentRequest is the body of RegisterAgent.
type RegisterAgentRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
	Phone    string `json:"phone,omitempty"`
}

// RegisteredAgent is the outcome of RegisterAgent.
type RegisteredAgent struct {
	PrincipalID string `json:"principalId"`
	Email       string `json:"email"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	FullName        string `json:"fullName,omitempty"`
	EmailRedirectTo string `json:"emailRedirectTo,omitempty"`
}

type reviewRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

type errorBody struct {
	Error     string `json:"error"`
	Retriable bool   `json:"retriable,omitempty"`
}
