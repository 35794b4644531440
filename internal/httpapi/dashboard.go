package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Fugue Sync</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --synced: #1f9d88;
      --syncing: #3d7be8;
      --conflict: #c2483f;
      --offline: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    header { display: flex; align-items: center; gap: 12px; }
    .badge {
      padding: 4px 12px;
      border-radius: 999px;
      color: #fff;
      font-weight: 600;
      text-transform: uppercase;
      background: var(--offline);
    }
    .badge.synced { background: var(--synced); }
    .badge.syncing { background: var(--syncing); }
    .badge.conflict { background: var(--conflict); }
    .card {
      margin-top: 16px;
      padding: 16px;
      border: 1px solid var(--line);
      border-radius: 12px;
      background: var(--card);
    }
    pre { white-space: pre-wrap; font-size: 12px; }
    button { margin-right: 6px; }
  </style>
</head>
<body>
  <header>
    <h1>Fugue Sync</h1>
    <span id="badge" class="badge">offline</span>
    <button id="push">Force push</button>
  </header>
  <section class="card">
    <div id="counts"></div>
    <div id="error"></div>
  </section>
  <section class="card">
    <h2>Conflicts</h2>
    <div id="conflicts">none</div>
  </section>
  <script>
    (() => {
      const dom = {
        badge: document.getElementById("badge"),
        counts: document.getElementById("counts"),
        error: document.getElementById("error"),
        conflicts: document.getElementById("conflicts"),
        push: document.getElementById("push"),
      };

      async function api(path, options) {
        const resp = await fetch(path, Object.assign({ headers: { "Content-Type": "application/json" } }, options));
        return resp.json();
      }

      function renderConflicts(conflicts) {
        dom.conflicts.replaceChildren();
        if (!conflicts.length) {
          dom.conflicts.textContent = "none";
          return;
        }
        for (const conflict of conflicts) {
          const row = document.createElement("div");
          const label = document.createElement("pre");
          label.textContent = conflict.entityType + ":" + conflict.entityId +
            "\nlocal  " + JSON.stringify(conflict.localVersion.data) +
            "\nremote " + JSON.stringify(conflict.remoteVersion.data);
          row.appendChild(label);
          for (const resolution of ["local", "remote"]) {
            const button = document.createElement("button");
            button.textContent = "Keep " + resolution;
            button.addEventListener("click", async () => {
              await api("/v1/sync/conflicts/" + encodeURIComponent(conflict.id) + "/resolve", {
                method: "POST",
                body: JSON.stringify({ resolution }),
              });
              refresh();
            });
            row.appendChild(button);
          }
          dom.conflicts.appendChild(row);
        }
      }

      async function refresh() {
        try {
          const state = await api("/v1/sync/state");
          dom.badge.textContent = state.status;
          dom.badge.className = "badge " + state.status;
          dom.counts.textContent = "pending " + state.pendingChanges + " / conflicts " + state.conflictCount +
            " / transport " + state.transport;
          dom.error.textContent = state.lastError || "";
          const body = await api("/v1/sync/conflicts");
          renderConflicts(body.conflicts || []);
        } catch (err) {
          dom.badge.textContent = "offline";
          dom.badge.className = "badge";
          dom.error.textContent = String(err);
        }
      }

      dom.push.addEventListener("click", async () => {
        await api("/v1/sync/push", { method: "POST" });
        refresh();
      });
      setInterval(refresh, 2000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
