package server

import (
	"net/http"
	"reflect"

	"github.com/stevecastle/gazefield/appconfig"
)

// redacted stands in for secrets in config responses. Sending it back on
// update keeps the stored value.
const redacted = "********"

func redact(c appconfig.Config) appconfig.Config {
	if c.Generation.APIToken != "" {
		c.Generation.APIToken = redacted
	}
	if c.Blob.SecretAccessKey != "" {
		c.Blob.SecretAccessKey = redacted
	}
	return c
}

// configHandler reads and updates config.json. Updates are written to disk
// and picked up on the next start.
func configHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Get is zero until a config has been loaded or saved.
		current := appconfig.Get()
		if current.ListenAddr == "" {
			current = d.Config
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{
				"config":     redact(current),
				"configPath": d.ConfigPath,
			})
		case http.MethodPut:
			next := current
			if err := readJSONBody(w, r, &next); err != nil {
				writeError(w, r, err)
				return
			}
			if next.Generation.APIToken == redacted {
				next.Generation.APIToken = current.Generation.APIToken
			}
			if next.Blob.SecretAccessKey == redacted {
				next.Blob.SecretAccessKey = current.Blob.SecretAccessKey
			}
			if next.Atlas.Step <= 0 || next.Atlas.Min >= next.Atlas.Max {
				writeError(w, r, invalid("atlas grid needs min < max and a positive step"))
				return
			}
			if next.InstanceID != current.InstanceID {
				writeError(w, r, invalid("instanceId cannot be changed"))
				return
			}

			path := d.ConfigPath
			var err error
			if path == "" {
				path, err = appconfig.Save(next)
			} else {
				err = appconfig.SaveTo(path, next)
			}
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"status":          "ok",
				"configPath":      path,
				"changed":         !reflect.DeepEqual(current, next),
				"restartRequired": true,
			})
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPut)
		}
	}
}
