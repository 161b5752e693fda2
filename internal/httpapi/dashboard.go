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
  <title>Registration Queue</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --warn: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
    }
    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .card, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px 16px;
    }
    h1 { margin: 0; font-size: 1.5rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }
    .cards { display: grid; gap: 12px; grid-template-columns: repeat(3, 1fr); }
    .label { color: var(--muted); font-size: 0.8rem; text-transform: uppercase; letter-spacing: 0.06em; }
    .value { font-size: 1.6rem; margin-top: 4px; }
    .mono { font-family: "JetBrains Mono", "SFMono-Regular", monospace; }
    ul.feed { list-style: none; margin: 0; padding: 0; max-height: 420px; overflow-y: auto; }
    ul.feed li { border-bottom: 1px dashed var(--line); padding: 8px 0; font-size: 0.9rem; }
    .ok { color: var(--accent); }
    .dup { color: var(--warn); }
    .bad { color: var(--danger); }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>Registration Queue</h1>
      <div class="sub">Queue depth and worker state refresh every two seconds. Processed registrations stream in below.</div>
    </section>
    <section class="cards">
      <article class="card"><div class="label">Queued</div><div id="queueSize" class="value mono">-</div></article>
      <article class="card"><div class="label">Worker</div><div id="worker" class="value">-</div></article>
      <article class="card"><div class="label">Last Update</div><div id="updated" class="value mono">-</div></article>
    </section>
    <section class="panel">
      <div class="label">Processed <span id="feedState">(connecting)</span></div>
      <ul id="feed" class="feed"></ul>
    </section>
  </main>
  <script>
    (function () {
      const dom = {
        queueSize: document.getElementById("queueSize"),
        worker: document.getElementById("worker"),
        updated: document.getElementById("updated"),
        feed: document.getElementById("feed"),
        feedState: document.getElementById("feedState"),
      };

      async function refresh() {
        try {
          const res = await fetch("/queue/status");
          const body = await res.json();
          dom.queueSize.textContent = body.queue_size;
          dom.worker.textContent = body.worker_active ? "active" : "stopped";
          dom.worker.className = "value " + (body.worker_active ? "ok" : "bad");
          dom.updated.textContent = body.timestamp.split(" ")[1] || body.timestamp;
        } catch (err) {
          dom.worker.textContent = "unreachable";
          dom.worker.className = "value bad";
        }
      }

      function addResult(result) {
        const li = document.createElement("li");
        const cls = result.status === "succeeded" ? "ok" : (result.status === "duplicate" ? "dup" : "bad");
        li.innerHTML = "<span class=\"mono " + cls + "\"></span> <span></span>";
        li.children[0].textContent = result.status;
        li.children[1].textContent = "[" + result.type + "] " + result.id + (result.error_code ? " (" + result.error_code + ")" : "");
        dom.feed.prepend(li);
        while (dom.feed.children.length > 200) {
          dom.feed.removeChild(dom.feed.lastChild);
        }
      }

      function connect() {
        const proto = window.location.protocol === "https:" ? "wss://" : "ws://";
        const ws = new WebSocket(proto + window.location.host + "/queue/events");
        ws.onopen = function () { dom.feedState.textContent = "(live)"; };
        ws.onmessage = function (ev) { addResult(JSON.parse(ev.data)); refresh(); };
        ws.onclose = function () {
          dom.feedState.textContent = "(reconnecting)";
          setTimeout(connect, 3000);
        };
      }

      refresh();
      setInterval(refresh, 2000);
      connect();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
