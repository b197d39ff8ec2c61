package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"groupchat/internal/chat"
	"groupchat/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type handler struct {
	logger  *zap.SugaredLogger
	store   storage.Store
	hub     *chat.Hub
	parsers fastjson.ParserPool
}

// decode parses request body with a pooled parser and extracts fields with fn.
// It writes 400 response on a malformed field and reports whether the handler may go on.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, fn func(v *fastjson.Value) error) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Can not read request body", http.StatusBadRequest)
		return false
	}

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)

	v, err := parser.ParseBytes(body)
	if err != nil {
		http.Error(w, "Malformed JSON", http.StatusBadRequest)
		return false
	}
	if err := fn(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// fail maps store and engine errors to HTTP responses
func (h *handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrUserExists):
		http.Error(w, "User already exists", http.StatusBadRequest)
	case errors.Is(err, storage.ErrUserNotExist):
		http.Error(w, "User does not exist", http.StatusNotFound)
	case errors.Is(err, storage.ErrGroupNotExist):
		http.Error(w, "Group does not exist", http.StatusNotFound)
	case errors.Is(err, storage.ErrGroupBadUsers):
		http.Error(w, "Bad user list", http.StatusBadRequest)
	case errors.Is(err, storage.ErrAlreadyMember):
		http.Error(w, "User is already a group member", http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotMember):
		http.Error(w, "User is not a group member", http.StatusBadRequest)
	case errors.Is(err, storage.ErrLastMember):
		http.Error(w, "Can not remove the last group member", http.StatusBadRequest)
	case errors.Is(err, storage.ErrMessageNotExist), errors.Is(err, chat.ErrUnknownMessage):
		http.Error(w, "Message does not exist", http.StatusNotFound)
	default:
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

type idResponse struct {
	ID int64 `json:"id"`
}

// createUser handles HTTP requests on "/users/add" endpoint
func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	var username, name string
	ok := h.decode(w, r, func(v *fastjson.Value) (err error) {
		if username, err = stringField(v, "username", true); err != nil {
			return err
		}
		name, err = stringField(v, "name", false)
		return err
	})
	if !ok {
		return
	}

	id, err := h.store.CreateUser(r.Context(), username, name)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

// getUser handles HTTP requests on "/users/get" endpoint
func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	var id int64
	ok := h.decode(w, r, func(v *fastjson.Value) (err error) {
		id, err = idField(v, "user")
		return err
	})
	if !ok {
		return
	}

	u, err := h.store.User(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, u)
}

// updateUser handles HTTP requests on "/users/update" endpoint
func (h *handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var u storage.User
	ok := h.decode(w, r, func(v *fastjson.Value) (err error) {
		if u.ID, err = idField(v, "user"); err != nil {
			return err
		}
		if u.Name, err = stringField(v, "name", true); err != nil {
			return err
		}
		if u.Description, err = stringField(v, "description", false); err != nil {
			return err
		}
		u.Avatar, err = stringField(v, "avatar", false)
		return err
	})
	if !ok {
		return
	}

	if err := h.store.UpdateUser(r.Context(), u); err != nil {
		h.fail(w, err)
		return
	}
	updated, err := h.store.User(r.Context(), u.ID)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, updated)
}

// createGroup handles HTTP requests on "/groups/add" endpoint, the first user is the creator
func (h *handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var (
		name  string
		users []int64
	)
	ok := h.decode(w, r, func(v *fastjson.Value) (err error) {
		if name, err = stringField(v, "name", true); err != nil {
			return err
		}
		users, err = idsField(v, "users")
		return err
	})
	if !ok {
		return
	}

	id, err := h.store.CreateGroup(r.Context(), name, users)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

// groupsByUserID handles HTTP requests on "/groups/get" endpoint
func (h *handler) groupsByUserID(w http.ResponseWriter, r *http.Request) {
	var user int64
	ok := h.decode(w, r, func(v *fastjson.Value) (err error) {
		user, err = idField(v, "user")
		return err
	})
	if !ok {
		return
	}

	groups, err := h.store.GroupsByUserID(r.Context(), user)
	if err != nil {
		h.fail(w, err)
		return
	}
	if groups == nil {
		groups = []storage.Group{}
	}

	h.writeJSON(w, http.StatusOK, groups)
}

// roster handles HTTP requests on "/groups/roster" endpoint
func (h *handler) roster(w http.ResponseWriter, r *http.Request) {
	var group int64
	ok := h.decode(w, r, func(v *fastjson.Value) (err error) {
		group, err = idField(v, "group")
		return err
	})
	if !ok {
		return
	}

	members, err := h.store.Members(r.Context(), group)
	if err != nil {
		h.fail(w, err)
		return
	}

	users := make([]storage.User, 0, len(members))
	for _, id := range members {
		u, err := h.store.User(r.Context(), id)
		if err != nil {
			h.fail(w, err)
			return
		}
		users = append(users, u)
	}

	h.writeJSON(w, http.StatusOK, users)
}

// updateGroup handles HTTP requests on "/groups/update" endpoint
func (h *handler) updateGroup(w http.ResponseWriter, r *http.Request) {
	var (
		group        int64
		name, avatar string
	)
	ok := h.decode(w, r, func(v *fastjson.Value) (err error) {
		if group, err = idField(v, "group"); err != nil {
			return err
		}
		if name, err = stringField(v, "name", true); err != nil {
			return err
		}
		avatar, err = stringField(v, "avatar", false)
		return err
	})
	if !ok {
		return
	}

	if err := h.store.UpdateGroup(r.Context(), group, name, avatar); err != nil {
		h.fail(w, err)
		return
	}
	g, err := h.store.Group(r.Context(), group)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, g)
}

// deleteGroup handles HTTP requests on "/groups/delete" endpoint
func (h *handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	var group int64
	ok := h.decode(w, r, func(v *fastjson.Value) (err error) {
		group, err = idField(v, "group")
		return err
	})
	if !ok {
		return
	}

	if err := h.store.DeleteGroup(r.Context(), group); err != nil {
		h.fail(w, err)
		return
	}
	h.hub.GroupDeleted(group)

	w.WriteHeader(http.StatusNoContent)
}

// membership extracts group and user fields of membership requests
func membership(group, user *int64) func(v *fastjson.Value) error {
	return func(v *fastjson.Value) (err error) {
		if *group, err = idField(v, "group"); err != nil {
			return err
		}
		*user, err = idField(v, "user")
		return err
	}
}

// addMember handles HTTP requests on "/groups/members/add" endpoint
func (h *handler) addMember(w http.ResponseWriter, r *http.Request) {
	var group, user int64
	if !h.decode(w, r, membership(&group, &user)) {
		return
	}

	if err := h.store.AddMember(r.Context(), group, user); err != nil {
		h.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// removeMember handles HTTP requests on "/groups/members/remove" endpoint
func (h *handler) removeMember(w http.ResponseWriter, r *http.Request) {
	var group, user int64
	if !h.decode(w, r, membership(&group, &user)) {
		return
	}

	if err := h.store.RemoveMember(r.Context(), group, user); err != nil {
		h.fail(w, err)
		return
	}
	h.hub.MemberRemoved(group, user)

	w.WriteHeader(http.StatusNoContent)
}

type clearResponse struct {
	ClearedThrough int64 `json:"clearedThrough"`
}

// clearGroup handles HTTP requests on "/groups/clear" endpoint
func (h *handler) clearGroup(w http.ResponseWriter, r *http.Request) {
	var group int64
	ok := h.decode(w, r, func(v *fastjson.Value) (err error) {
		group, err = idField(v, "group")
		return err
	})
	if !ok {
		return
	}

	through, err := h.store.ClearMessages(r.Context(), group)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, clearResponse{ClearedThrough: through})
}

// messagesByGroupID handles HTTP requests on "/messages/get" endpoint
func (h *handler) messagesByGroupID(w http.ResponseWriter, r *http.Request) {
	var group, after, limit int64
	ok := h.decode(w, r, func(v *fastjson.Value) (err error) {
		if group, err = idField(v, "group"); err != nil {
			return err
		}
		if after, err = intField(v, "after", 0); err != nil {
			return err
		}
		if limit, err = intField(v, "limit", defaultPageSize); err != nil {
			return err
		}
		if limit < 1 || limit > maxPageSize {
			return fieldError("Field \"limit\" must be between 1 and 500")
		}
		return nil
	})
	if !ok {
		return
	}

	if _, err := h.store.Group(r.Context(), group); err != nil {
		h.fail(w, err)
		return
	}
	messages, err := h.store.Messages(r.Context(), group, after, int(limit))
	if err != nil {
		h.fail(w, err)
		return
	}
	if messages == nil {
		messages = []storage.Message{}
	}

	h.writeJSON(w, http.StatusOK, messages)
}

// receipts handles HTTP requests on "/messages/receipts" endpoint
func (h *handler) receipts(w http.ResponseWriter, r *http.Request) {
	var message uuid.UUID
	ok := h.decode(w, r, func(v *fastjson.Value) (err error) {
		message, err = uuidField(v, "message")
		return err
	})
	if !ok {
		return
	}

	receipts, err := h.hub.Pipeline.Receipts(r.Context(), message)
	if err != nil {
		h.fail(w, err)
		return
	}
	if receipts == nil {
		receipts = []storage.Receipt{}
	}

	h.writeJSON(w, http.StatusOK, receipts)
}
