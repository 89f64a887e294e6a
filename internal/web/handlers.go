// ABOUTME: Route handlers for the dashboard: accounts, linking, rooms, settings, send.
// ABOUTME: Thin HTTP layer over the store and the session manager.

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/lumenlab/roomfeed/internal/session"
	"github.com/lumenlab/roomfeed/internal/store"
)

var errNotLinked = errors.New("no linked messaging account")

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSignupPage(w http.ResponseWriter, r *http.Request) {
	s.renderSignupPage(w, "")
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")

	if !usernameRegex.MatchString(username) {
		s.renderSignupPage(w, "Username must be 3-32 characters, letters, digits, and underscores")
		return
	}
	if len(password) < minPasswordLength {
		s.renderSignupPage(w, "Password must be at least 8 characters")
		return
	}

	hash, err := hashPassword(password)
	if err != nil {
		s.logger.Error("hashing password failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	user := &store.User{Username: username, PasswordHash: hash}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			s.renderSignupPage(w, "That username is taken")
			return
		}
		s.logger.Error("creating user failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := s.setSessionCookie(w, user.ID); err != nil {
		s.logger.Error("issuing session token failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("user signed up", "user_id", user.ID, "username", username)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.renderLoginPage(w, "")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")

	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil || !checkPassword(user.PasswordHash, password) {
		s.renderLoginPage(w, "Invalid username or password")
		return
	}

	if err := s.setSessionCookie(w, user.ID); err != nil {
		s.logger.Error("issuing session token failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Resume the live protocol session so the feed is flowing by the
	// time the dashboard loads.
	if user.Linked() {
		go func() {
			if _, err := s.ensureSession(context.Background(), user); err != nil {
				s.logger.Warn("resuming session on login failed",
					"user_id", user.ID, "error", err)
			}
		}()
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleLogout ends the dashboard login only. The protocol session and
// stored credential survive so the feed keeps collecting.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	clearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	messages, err := s.store.ListRecentMessages(r.Context(), user.ID, s.cfg.Pipeline.FeedLength)
	if err != nil {
		s.logger.Error("listing recent messages failed", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	titles := make(map[int64]string)
	if rooms, err := s.store.ListRooms(r.Context(), user.ID); err == nil {
		for _, room := range rooms {
			titles[room.ID] = room.Title
		}
	}

	s.renderFeedPage(w, user, messages, titles, s.manager.Active(user.ID))
}

func (s *Server) handleLinkPage(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	s.renderLinkPage(w, user, s.cfg.Matrix.DefaultHomeserver, "")
}

// handleLink exchanges homeserver credentials for an access token,
// stores it, and starts the live session.
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	homeserver := strings.TrimSpace(r.FormValue("homeserver"))
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	if homeserver == "" {
		homeserver = s.cfg.Matrix.DefaultHomeserver
	}
	if homeserver == "" || username == "" || password == "" {
		s.renderLinkPage(w, user, homeserver, "Homeserver, username, and password are required")
		return
	}

	cred, err := s.login(r.Context(), homeserver, username, password)
	if err != nil {
		s.logger.Warn("account link failed", "user_id", user.ID, "error", err)
		if errors.Is(err, session.ErrAuthFailed) {
			s.renderLinkPage(w, user, homeserver, "Login rejected by the homeserver")
		} else {
			s.renderLinkPage(w, user, homeserver, "Could not reach the homeserver")
		}
		return
	}

	if err := s.store.SetCredential(r.Context(), user.ID, cred.Homeserver, cred.UserID, cred.AccessToken); err != nil {
		s.logger.Error("storing credential failed", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	user.Homeserver = cred.Homeserver
	user.MatrixUserID = cred.UserID
	user.AccessToken = cred.AccessToken

	if _, err := s.ensureSession(r.Context(), user); err != nil {
		s.logger.Error("starting session after link failed", "user_id", user.ID, "error", err)
	}

	s.logger.Info("account linked", "user_id", user.ID, "matrix_user_id", cred.UserID)
	http.Redirect(w, r, "/rooms", http.StatusSeeOther)
}

// handleUnlink signs out the live session and forgets the credential.
func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	if err := s.manager.SignOut(r.Context(), user.ID); err != nil {
		s.logger.Warn("sign-out failed", "user_id", user.ID, "error", err)
	}
	if err := s.store.ClearCredential(r.Context(), user.ID); err != nil {
		s.logger.Error("clearing credential failed", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("account unlinked", "user_id", user.ID)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleRoomsPage(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	if _, err := s.ensureSession(r.Context(), user); err != nil {
		if errors.Is(err, errNotLinked) {
			http.Redirect(w, r, "/link", http.StatusSeeOther)
			return
		}
		s.logger.Warn("session unavailable for room listing", "user_id", user.ID, "error", err)
	} else if err := s.syncRooms(r.Context(), user); err != nil {
		// Stale local rooms are still worth showing.
		s.logger.Warn("refreshing room list failed", "user_id", user.ID, "error", err)
	}

	rooms, err := s.store.ListRooms(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("listing rooms failed", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.renderRoomsPage(w, user, rooms)
}

func (s *Server) handleRoomsSave(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	var roomPKs []int64
	for _, raw := range r.PostForm["room"] {
		pk, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "bad room id", http.StatusBadRequest)
			return
		}
		roomPKs = append(roomPKs, pk)
	}

	if err := s.store.SetSelectedRooms(r.Context(), user.ID, roomPKs); err != nil {
		s.logger.Error("saving room selection failed", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("room selection updated", "user_id", user.ID, "selected", len(roomPKs))
	http.Redirect(w, r, "/rooms", http.StatusSeeOther)
}

func (s *Server) handleSettingsPage(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	setting, err := s.store.GetFilter(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("loading filter failed", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.renderSettingsPage(w, user, setting, false)
}

func (s *Server) handleSettingsSave(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	setting := &store.FilterSetting{
		UserID:          user.ID,
		IncludeKeywords: strings.TrimSpace(r.FormValue("include_keywords")),
		ExcludeKeywords: strings.TrimSpace(r.FormValue("exclude_keywords")),
	}
	if err := s.store.SaveFilter(r.Context(), setting); err != nil {
		s.logger.Error("saving filter failed", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.renderSettingsPage(w, user, setting, true)
}

// handleSend delivers outbound text into a room over the live session.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	roomID := strings.TrimSpace(r.FormValue("room_id"))
	text := strings.TrimSpace(r.FormValue("text"))
	if roomID == "" || text == "" {
		http.Error(w, "room_id and text are required", http.StatusBadRequest)
		return
	}

	if _, err := s.ensureSession(r.Context(), user); err != nil {
		if errors.Is(err, errNotLinked) {
			http.Error(w, "no linked account", http.StatusConflict)
			return
		}
		s.logger.Warn("session unavailable for send", "user_id", user.ID, "error", err)
		http.Error(w, "session unavailable", http.StatusBadGateway)
		return
	}

	if err := s.manager.Send(r.Context(), user.ID, roomID, text); err != nil {
		s.logger.Error("send failed", "user_id", user.ID, "room_id", roomID, "error", err)
		http.Error(w, "send failed", http.StatusBadGateway)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// ensureSession returns the user's live session, dialing with the
// stored credential when needed.
func (s *Server) ensureSession(ctx context.Context, user *store.User) (*session.Session, error) {
	if !user.Linked() {
		return nil, errNotLinked
	}
	cred := session.Credential{
		Homeserver:  user.Homeserver,
		UserID:      user.MatrixUserID,
		AccessToken: user.AccessToken,
	}
	return s.manager.GetOrCreate(ctx, user.ID, cred)
}

// syncRooms refreshes the stored room list from the live connection.
// Selection state is preserved across refreshes.
func (s *Server) syncRooms(ctx context.Context, user *store.User) error {
	rooms, err := s.manager.Rooms(ctx, user.ID)
	if err != nil {
		return err
	}
	for _, r := range rooms {
		room := &store.Room{
			UserID:   user.ID,
			RoomID:   r.ID,
			Title:    r.Title,
			RoomType: r.Type,
		}
		if err := s.store.UpsertRoom(ctx, room); err != nil {
			return err
		}
	}
	return nil
}
