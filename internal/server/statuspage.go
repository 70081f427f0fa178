package server

import "net/http"

// handleStatusPage serves the embedded diagnostics page: cached
// integrity status plus the live entry feed. Zero build dependencies —
// the page polls /api/integrity/status and listens on /ws.
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(statusPageHTML))
}

const statusPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>recaudit</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 22px; margin-bottom: 4px; }
  .subtitle { color: #8b949e; margin-bottom: 20px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px;
          padding: 16px; margin-bottom: 16px; }
  .card h2 { font-size: 13px; color: #8b949e; text-transform: uppercase; margin-bottom: 10px; }
  .ok { color: #3fb950; } .bad { color: #f85149; } .dim { color: #8b949e; }
  #feed { max-height: 360px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
</style>
</head>
<body>
<h1>recaudit</h1>
<p class="subtitle">Tamper-evident audit ledger</p>

<div class="card">
  <h2>Integrity</h2>
  <div id="integrity" class="dim">Loading...</div>
</div>

<div class="card">
  <h2>Live Feed</h2>
  <div id="feed"><div class="entry dim">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;');
}
async function refresh() {
  try {
    const res = await fetch('/api/integrity/status');
    const st = await res.json();
    const el = document.getElementById('integrity');
    if (st.restore_in_progress) { el.innerHTML = '<span class="dim">restore in progress</span>'; return; }
    if (st.state === 'never_run') { el.innerHTML = '<span class="dim">no verification pass completed yet</span>'; return; }
    const verdict = st.valid
      ? '<span class="ok">chain valid</span>'
      : '<span class="bad">CHAIN BROKEN at id ' + st.first_invalid_id + '</span>';
    el.innerHTML = verdict +
      ' <span class="dim">— ' + st.entries_checked + ' entries [' + st.checked_from + ',' + st.checked_to + '] at ' +
      esc(st.checked_at) + (st.state === 'running' ? ' (pass running)' : '') +
      (st.stale ? ' (log has grown since)' : '') + '</span>';
  } catch(e) { console.error('refresh failed:', e); }
}

function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/ws');
  ws.onmessage = function(e) {
    try {
      const msg = JSON.parse(e.data);
      if (msg.type !== 'entry' || !msg.entry) return;
      const entry = msg.entry;
      const feed = document.getElementById('feed');
      const div = document.createElement('div');
      div.className = 'entry';
      div.innerHTML = '[' + esc(entry.ts) + '] #' + entry.id + ' ' + esc(entry.action) +
        ' actor=' + esc(entry.actor_name || entry.actor_id) +
        (entry.entity_type ? ' ' + esc(entry.entity_type) + '/' + esc(entry.entity_id) : '');
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
