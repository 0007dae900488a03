//go:build pam

package main

/*
#include <security/pam_appl.h>
#include <stdlib.h>
#include <string.h>

// pam_get_user is declared in pam_modules.h, whose prototypes clash with
// the exported Go entry points.
extern int pam_get_user(pam_handle_t *pamh, const char **user, const char *prompt);

static int escalate_get_user(pam_handle_t *pamh, char **user) {
	return pam_get_user(pamh, (const char **)user, NULL);
}

static char *escalate_get_item(pam_handle_t *pamh, int type) {
	const void *item = NULL;
	if (pam_get_item(pamh, type, &item) != PAM_SUCCESS) {
		return NULL;
	}
	return (char *)item;
}

static int escalate_set_item(pam_handle_t *pamh, int type, const char *value) {
	return pam_set_item(pamh, type, value);
}

static int escalate_converse(pam_handle_t *pamh, int style, const char *text, char **resp) {
	const struct pam_conv *conv = NULL;
	struct pam_message msg;
	const struct pam_message *msgp = &msg;
	struct pam_response *reply = NULL;
	int rc;

	*resp = NULL;
	rc = pam_get_item(pamh, PAM_CONV, (const void **)&conv);
	if (rc != PAM_SUCCESS) {
		return rc;
	}
	if (conv == NULL || conv->conv == NULL) {
		return PAM_CONV_ERR;
	}

	msg.msg_style = style;
	msg.msg = text;
	rc = conv->conv(1, &msgp, &reply, conv->appdata_ptr);
	if (rc != PAM_SUCCESS) {
		return rc;
	}
	if (reply != NULL) {
		*resp = reply->resp;
		free(reply);
	}
	return PAM_SUCCESS;
}

static void escalate_free_secret(char *s) {
	if (s != NULL) {
		memset(s, 0, strlen(s));
		free(s);
	}
}

static char *escalate_env_at(char **env, int i) {
	return env[i];
}
*/
import "C"

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"github.com/zylisp/escalate/pam"
)

// handle is the pam.Handle of a live PAM transaction.
type handle struct {
	pamh *C.pam_handle_t
}

var _ pam.Handle = (*handle)(nil)

func (h *handle) User() (string, error) {
	var user *C.char
	if rc := C.escalate_get_user(h.pamh, &user); rc != C.PAM_SUCCESS {
		return "", fmt.Errorf("pam_get_user: %s", pam.Status(rc))
	}
	if user == nil {
		return "", errors.New("pam_get_user: no user")
	}
	return C.GoString(user), nil
}

func (h *handle) Item(item pam.Item) (string, bool) {
	v := C.escalate_get_item(h.pamh, C.int(item))
	if v == nil {
		return "", false
	}
	return C.GoString(v), true
}

func (h *handle) SetItem(item pam.Item, value string) error {
	cv := C.CString(value)
	defer C.free(unsafe.Pointer(cv))
	if rc := C.escalate_set_item(h.pamh, C.int(item), cv); rc != C.PAM_SUCCESS {
		return fmt.Errorf("pam_set_item: %s", pam.Status(rc))
	}
	return nil
}

func (h *handle) Getenv(name string) (string, bool) {
	cn := C.CString(name)
	defer C.free(unsafe.Pointer(cn))
	v := C.pam_getenv(h.pamh, cn)
	if v == nil {
		return "", false
	}
	return C.GoString(v), true
}

func (h *handle) Putenv(name, value string) error {
	if name == "" || strings.ContainsAny(name, "=\x00") {
		return fmt.Errorf("invalid environment name %q", name)
	}
	cs := C.CString(name + "=" + value)
	defer C.free(unsafe.Pointer(cs))
	if rc := C.pam_putenv(h.pamh, cs); rc != C.PAM_SUCCESS {
		return fmt.Errorf("pam_putenv %s: %s", name, pam.Status(rc))
	}
	return nil
}

// Unsetenv passes the bare name to pam_putenv, which deletes the entry.
func (h *handle) Unsetenv(name string) error {
	if name == "" || strings.ContainsAny(name, "=\x00") {
		return fmt.Errorf("invalid environment name %q", name)
	}
	if _, ok := h.Getenv(name); !ok {
		return nil
	}
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	if rc := C.pam_putenv(h.pamh, cs); rc != C.PAM_SUCCESS {
		return fmt.Errorf("pam_putenv %s: %s", name, pam.Status(rc))
	}
	return nil
}

func (h *handle) Env() map[string]string {
	list := C.pam_getenvlist(h.pamh)
	env := map[string]string{}
	if list == nil {
		return env
	}
	for i := 0; ; i++ {
		entry := C.escalate_env_at(list, C.int(i))
		if entry == nil {
			break
		}
		if name, value, ok := strings.Cut(C.GoString(entry), "="); ok {
			env[name] = value
		}
		C.free(unsafe.Pointer(entry))
	}
	C.free(unsafe.Pointer(list))
	return env
}

func (h *handle) Converse(style pam.Style, text string) (string, error) {
	ct := C.CString(text)
	defer C.free(unsafe.Pointer(ct))

	var resp *C.char
	if rc := C.escalate_converse(h.pamh, C.int(style), ct, &resp); rc != C.PAM_SUCCESS {
		return "", fmt.Errorf("%w: %s", pam.ErrConversation, pam.Status(rc))
	}
	if resp == nil {
		return "", nil
	}
	defer C.escalate_free_secret(resp)
	return C.GoString(resp), nil
}
