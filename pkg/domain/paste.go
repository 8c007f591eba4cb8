package domain

import (
	"strings"
	"time"
)

const DefaultTitle = "Untitled"

type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

func (v Visibility) Valid() bool {
	return v == Public || v == Private
}

// Paste is the unit of storage. Owner and Language are empty when absent.
type Paste struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner_email"`
	Title      string     `json:"title"`
	Content    string     `json:"content"`
	Language   string     `json:"language"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ListedAt   time.Time  `json:"-"`
	// Seq orders creation and ListedSeq orders entry into the public
	// listing. Both come from one store-wide counter.
	Seq       int64 `json:"-"`
	ListedSeq int64 `json:"-"`
}

func (p *Paste) Owned() bool    { return p.Owner != "" }
func (p *Paste) IsPublic() bool { return p.Visibility == Public }

// VisibleTo reports whether identity may read p. Ownerless pastes are readable by anyone.
func (p *Paste) VisibleTo(identity string) bool {
	return p.Owner == "" || p.Owner == identity
}

func (p *Paste) Clone() *Paste {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Validate applies defaults and checks the full record.
func (p *Paste) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		p.Title = DefaultTitle
	}
	if p.Visibility == "" {
		p.Visibility = Public
	}
	if p.Content == "" {
		return NewValidationErr("content cannot be empty")
	}
	if !p.Visibility.Valid() {
		return NewValidationErr("visibility must be one of public, private")
	}
	if p.UpdatedAt.Before(p.CreatedAt) {
		return NewValidationErr("updated_at precedes created_at")
	}
	return nil
}

// Fields is the creation payload; id and timestamps are assigned by the store.
type Fields struct {
	Owner      string
	Title      string
	Content    string
	Language   string
	Visibility Visibility
}

// Patch carries a partial update. Nil fields are left unchanged; an empty
// Owner or Language clears the value.
type Patch struct {
	Owner      *string
	Title      *string
	Content    *string
	Language   *string
	Visibility *Visibility
}

func (pt Patch) Empty() bool {
	return pt.Owner == nil && pt.Title == nil && pt.Content == nil && pt.Language == nil && pt.Visibility == nil
}

// Apply merges pt over a copy of p.
func (pt Patch) Apply(p *Paste) *Paste {
	out := p.Clone()
	if pt.Owner != nil {
		out.Owner = *pt.Owner
	}
	if pt.Title != nil {
		out.Title = *pt.Title
	}
	if pt.Content != nil {
		out.Content = *pt.Content
	}
	if pt.Language != nil {
		out.Language = *pt.Language
	}
	if pt.Visibility != nil {
		out.Visibility = *pt.Visibility
	}
	return out
}
