package main

import (
	"time"

	"estateflow/application"
	"estateflow/auth"
	"estateflow/profile"
	"estateflow/role"
)

type errorResponse struct {
	Error     string `json:"error"`
	Retriable bool   `json:"retriable,omitempty"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

type sessionResponse struct {
	AccessToken string       `json:"accessToken"`
	ExpiresAt   string       `json:"expiresAt"`
	User        userResponse `json:"user"`
}

type roleResponse struct {
	ID          string  `json:"id"`
	PrincipalID string  `json:"principalId"`
	Role        string  `json:"role"`
	CreatedAt   string  `json:"createdAt"`
	ApprovedBy  *string `json:"approvedBy,omitempty"`
	ApprovedAt  *string `json:"approvedAt,omitempty"`
}

type profileResponse struct {
	ID          string  `json:"id"`
	PrincipalID string  `json:"principalId"`
	FullName    string  `json:"fullName"`
	Phone       *string `json:"phone,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

type applicationResponse struct {
	ID              string  `json:"id"`
	PrincipalID     string  `json:"principalId"`
	FullName        string  `json:"fullName"`
	Phone           string  `json:"phone"`
	Email           string  `json:"email"`
	Company         *string `json:"company,omitempty"`
	LicenseNumber   *string `json:"licenseNumber,omitempty"`
	ExperienceYears *int    `json:"experienceYears,omitempty"`
	Status          string  `json:"status"`
	ReviewedBy      *string `json:"reviewedBy,omitempty"`
	ReviewedAt      *string `json:"reviewedAt,omitempty"`
	Notes           *string `json:"notes,omitempty"`
	CreatedAt       string  `json:"createdAt"`
}

type reviewResponse struct {
	Application applicationResponse `json:"application"`
	RoleGranted bool                `json:"roleGranted"`
	Replayed    bool                `json:"replayed"`
}

type registeredAgentResponse struct {
	PrincipalID string `json:"principalId"`
	Email       string `json:"email"`
}

type assignRoleRequest struct {
	PrincipalID string `json:"principalId"`
	Role        string `json:"role"`
}

type updateProfileRequest struct {
	FullName  *string `json:"fullName"`
	Phone     *string `json:"phone"`
	AvatarURL *string `json:"avatarUrl"`
}

type submitApplicationRequest struct {
	FullName        string `json:"fullName"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	Company         string `json:"company"`
	LicenseNumber   string `json:"licenseNumber"`
	ExperienceYears *int   `json:"experienceYears"`
}

type reviewRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

type registerAgentRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
	Phone    string `json:"phone"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toUserResponse(a auth.Account) userResponse {
	return userResponse{ID: a.ID, Email: a.Email, FullName: a.FullName}
}

func toSessionResponse(res auth.LoginResult) sessionResponse {
	return sessionResponse{
		AccessToken: res.Token,
		ExpiresAt:   formatTime(res.ExpiresAt),
		User:        toUserResponse(res.Account),
	}
}

func toRoleResponse(a role.Assignment) roleResponse {
	return roleResponse{
		ID:          a.ID,
		PrincipalID: a.PrincipalID,
		Role:        string(a.Role),
		CreatedAt:   formatTime(a.CreatedAt),
		ApprovedBy:  a.ApprovedBy,
		ApprovedAt:  formatOptionalTime(a.ApprovedAt),
	}
}

func toProfileResponse(p profile.Profile) profileResponse {
	return profileResponse{
		ID:          p.ID,
		PrincipalID: p.PrincipalID,
		FullName:    p.FullName,
		Phone:       p.Phone,
		AvatarURL:   p.AvatarURL,
		CreatedAt:   formatTime(p.CreatedAt),
		UpdatedAt:   formatTime(p.UpdatedAt),
	}
}

func toApplicationResponse(a application.Application) applicationResponse {
	return applicationResponse{
		ID:              a.ID,
		PrincipalID:     a.PrincipalID,
		FullName:        a.FullName,
		Phone:           a.Phone,
		Email:           a.Email,
		Company:         a.Company,
		LicenseNumber:   a.LicenseNumber,
		ExperienceYears: a.ExperienceYears,
		Status:          string(a.Status),
		ReviewedBy:      a.ReviewedBy,
		ReviewedAt:      formatOptionalTime(a.ReviewedAt),
		Notes:           a.Notes,
		CreatedAt:       formatTime(a.CreatedAt),
	}
}
