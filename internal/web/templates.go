// ABOUTME: Template rendering functions for the dashboard
// ABOUTME: Loads templates from embedded filesystem and renders them

package web

import (
	"html/template"
	"net/http"

	"github.com/lumenlab/roomfeed/internal/store"
)

// Template data types
type loginData struct {
	Title string
	Error string
}

type signupData struct {
	Title string
	Error string
}

type linkData struct {
	Title      string
	User       *store.User
	Homeserver string
	Error      string
}

type feedMessage struct {
	ChatTitle string
	Sender    string
	Date      string
	HTML      template.HTML
}

type feedData struct {
	Title         string
	User          *store.User
	Linked        bool
	SessionActive bool
	Messages      []feedMessage
}

type roomsData struct {
	Title string
	User  *store.User
	Rooms []*store.Room
}

type settingsData struct {
	Title   string
	User    *store.User
	Setting *store.FilterSetting
	Saved   bool
}

func (s *Server) renderLoginPage(w http.ResponseWriter, errorMsg string) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/login.html"))

	data := loginData{Title: "Log In", Error: errorMsg}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render login page", "error", err)
	}
}

func (s *Server) renderSignupPage(w http.ResponseWriter, errorMsg string) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/signup.html"))

	data := signupData{Title: "Create Account", Error: errorMsg}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render signup page", "error", err)
	}
}

func (s *Server) renderLinkPage(w http.ResponseWriter, user *store.User, homeserver, errorMsg string) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/link.html"))

	data := linkData{
		Title:      "Link Account",
		User:       user,
		Homeserver: homeserver,
		Error:      errorMsg,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render link page", "error", err)
	}
}

func (s *Server) renderFeedPage(w http.ResponseWriter, user *store.User, messages []*store.Message, titles map[int64]string, active bool) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/feed.html"))

	items := make([]feedMessage, 0, len(messages))
	for _, m := range messages {
		title := titles[m.RoomPK]
		if title == "" {
			title = m.RoomID
		}
		items = append(items, feedMessage{
			ChatTitle: title,
			Sender:    m.SenderName,
			Date:      m.Date.Format("Jan 2 15:04"),
			HTML:      renderMarkdown(m.Text),
		})
	}

	data := feedData{
		Title:         "Feed",
		User:          user,
		Linked:        user.Linked(),
		SessionActive: active,
		Messages:      items,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render feed page", "error", err)
	}
}

func (s *Server) renderRoomsPage(w http.ResponseWriter, user *store.User, rooms []*store.Room) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/rooms.html"))

	data := roomsData{Title: "Rooms", User: user, Rooms: rooms}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render rooms page", "error", err)
	}
}

func (s *Server) renderSettingsPage(w http.ResponseWriter, user *store.User, setting *store.FilterSetting, saved bool) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/settings.html"))

	data := settingsData{Title: "Filter Settings", User: user, Setting: setting, Saved: saved}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render settings page", "error", err)
	}
}
