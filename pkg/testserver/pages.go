package testserver

import (
	"sort"
	"strings"
)

// Data paths of the built-in pages, relative to FilesPrefix.
const (
	FullscreenMouseLockPage = "fullscreen_mouselock/fullscreen_mouselock.html"
	WebRTCTestPage          = "webrtc/webrtc_test.html"
)

// Pages maps data paths to page content.
var Pages = map[string]string{
	FullscreenMouseLockPage: fullscreenMouseLockHTML,
	WebRTCTestPage:          webrtcTestHTML,
}

func indexPage() string {
	names := make([]string, 0, len(Pages))
	for name := range Pages {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><title>Functional test data</title></head><body><ul>\n")
	for _, name := range names {
		b.WriteString(`<li><a href="` + FilesPrefix + name + `">` + name + "</a></li>\n")
	}
	b.WriteString("</ul></body></html>\n")
	return b.String()
}

// fullscreenMouseLockHTML has buttons for each fullscreen and pointer lock
// action. lockMouse1 takes an optional callback that receives "success" or
// "failure" once the lock state settles.
const fullscreenMouseLockHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Fullscreen and Mouse Lock Scripts</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            margin: 20px;
        }
        #container {
            background: #e8f4fc;
            padding: 20px;
            border-radius: 4px;
        }
        #container.fullscreen, #container:fullscreen {
            position: fixed;
            inset: 0;
            margin: 0;
        }
        .lockTarget {
            display: inline-block;
            width: 120px;
            height: 60px;
            margin: 10px;
            background: #4285f4;
            color: white;
        }
        button {
            margin: 4px;
            padding: 8px 16px;
        }
    </style>
</head>
<body>
    <div id="container">
        <p>This text is inside the container.</p>
        <button id="enterFullscreen" onclick="enterFullscreen()">enterFullscreen()</button>
        <button id="exitFullscreen" onclick="exitFullscreen()">exitFullscreen()</button>
        <button id="lockMouse1" onclick="lockMouse1()">lockMouse1()</button>
        <button id="lockMouse2" onclick="lockMouse2()">lockMouse2()</button>
        <button id="enterFullscreenAndLockMouse1" onclick="enterFullscreenAndLockMouse1()">enterFullscreenAndLockMouse1()</button>
        <button id="unlockMouse" onclick="unlockMouse()">unlockMouse()</button>
        <div>
            <div id="lockTarget1" class="lockTarget">lockTarget1</div>
            <div id="lockTarget2" class="lockTarget">lockTarget2</div>
        </div>
        <input id="sendKeysTarget" type="text" value="">
        <pre id="log"></pre>
    </div>
    <p>This text is outside of the container</p>

    <script>
        function log(message) {
            document.getElementById('log').textContent += message + '\n';
        }

        document.addEventListener('fullscreenchange', () => {
            const el = document.fullscreenElement;
            document.getElementById('container').classList.toggle('fullscreen', !!el);
            log('fullscreenchange: ' + (el ? el.id : 'none'));
        });
        document.addEventListener('fullscreenerror', () => log('fullscreenerror'));
        document.addEventListener('pointerlockchange', () => {
            const el = document.pointerLockElement;
            log('pointerlockchange: ' + (el ? el.id : 'none'));
        });
        document.addEventListener('pointerlockerror', () => log('pointerlockerror'));

        function enterFullscreen() {
            log('enterFullscreen()');
            const p = document.getElementById('container').requestFullscreen();
            if (p && p.catch) {
                p.catch(err => log('enterFullscreen failed: ' + err.message));
            }
            return p;
        }

        function exitFullscreen() {
            log('exitFullscreen()');
            const p = document.exitFullscreen();
            if (p && p.catch) {
                p.catch(err => log('exitFullscreen failed: ' + err.message));
            }
        }

        function lockMouse(target, callback) {
            let done = false;
            function finish(result) {
                if (done) {
                    return;
                }
                done = true;
                document.removeEventListener('pointerlockchange', onChange);
                document.removeEventListener('pointerlockerror', onError);
                log('lock ' + target.id + ': ' + result);
                if (callback) {
                    callback(result);
                }
            }
            function onChange() {
                finish(document.pointerLockElement === target ? 'success' : 'failure');
            }
            function onError() {
                finish('failure');
            }
            document.addEventListener('pointerlockchange', onChange);
            document.addEventListener('pointerlockerror', onError);
            target.requestPointerLock();
        }

        function lockMouse1(callback) {
            log('lockMouse1()');
            lockMouse(document.getElementById('lockTarget1'), callback);
        }

        function lockMouse2(callback) {
            log('lockMouse2()');
            lockMouse(document.getElementById('lockTarget2'), callback);
        }

        function enterFullscreenAndLockMouse1() {
            const p = enterFullscreen();
            if (p && p.then) {
                p.then(() => lockMouse1(), () => {});
            } else {
                lockMouse1();
            }
        }

        function unlockMouse() {
            log('unlockMouse()');
            document.exitPointerLock();
        }
    </script>
</body>
</html>`

// webrtcTestHTML drives a call through the peerconnection_server protocol.
// Every entry point reports through domAutomationController.send.
const webrtcTestHTML = `<!DOCTYPE html>
<html>
<head>
    <title>WebRTC Automated Test</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            margin: 20px;
        }
        video {
            width: 320px;
            height: 240px;
            background: #000;
            margin-right: 10px;
        }
    </style>
</head>
<body>
    <video id="local-view" autoplay muted playsinline></video>
    <video id="remote-view" autoplay playsinline></video>
    <pre id="log"></pre>

    <script>
        let gLocalStream = null;
        let gPeerConnection = null;
        let gServerUrl = null;
        let gOurPeerId = null;
        let gRemotePeerId = null;
        let gPeers = new Map();
        let gPendingCandidates = [];
        let gFailures = [];
        let gPolling = false;
        let gPendingCall = null;
        let gStreamReady = Promise.resolve(null);

        function log(message) {
            document.getElementById('log').textContent += message + '\n';
        }

        function returnToTest(value) {
            if (window.domAutomationController) {
                window.domAutomationController.send(value);
            } else {
                log('result: ' + value);
            }
        }

        function failTest(reason) {
            log('FAILURE: ' + reason);
            gFailures.push(reason);
        }

        function requestWebcamAndMicrophone() {
            gStreamReady = navigator.mediaDevices.getUserMedia({ video: true, audio: true })
                .then(stream => {
                    gLocalStream = stream;
                    document.getElementById('local-view').srcObject = stream;
                    log('got local stream');
                    return stream;
                })
                .catch(err => {
                    failTest('getUserMedia failed: ' + err.name + ' ' + err.message);
                    return null;
                });
            returnToTest('ok-requested');
        }

        function peerIdFrom(response) {
            return parseInt(response.headers.get('Pragma') || response.headers.get('X-Peer-Id'), 10);
        }

        function updatePeers(body) {
            body.split('\n').forEach(line => {
                const parts = line.split(',');
                if (parts.length !== 3) {
                    return;
                }
                const id = parseInt(parts[1], 10);
                if (id === gOurPeerId) {
                    return;
                }
                if (parts[2] === '1') {
                    gPeers.set(id, parts[0]);
                } else {
                    gPeers.delete(id);
                    if (id === gRemotePeerId) {
                        closeCall();
                    }
                }
            });
        }

        function connect(serverUrl, name) {
            gServerUrl = serverUrl;
            fetch(serverUrl + '/sign_in?' + encodeURIComponent(name))
                .then(response => {
                    if (!response.ok) {
                        throw new Error('sign in returned ' + response.status);
                    }
                    gOurPeerId = peerIdFrom(response);
                    return response.text();
                })
                .then(body => {
                    updatePeers(body);
                    startPolling();
                    returnToTest('ok-connected');
                })
                .catch(err => {
                    failTest('connect failed: ' + err.message);
                    returnToTest('failed-to-connect');
                });
        }

        function startPolling() {
            if (gPolling) {
                return;
            }
            gPolling = true;
            const poll = () => {
                if (gOurPeerId === null) {
                    gPolling = false;
                    return;
                }
                fetch(gServerUrl + '/wait?peer_id=' + gOurPeerId)
                    .then(response => {
                        const from = peerIdFrom(response);
                        return response.text().then(body => ({ from, body, ok: response.ok }));
                    })
                    .then(({ from, body, ok }) => {
                        if (!ok) {
                            throw new Error('wait failed: ' + body);
                        }
                        if (from === gOurPeerId) {
                            updatePeers(body);
                        } else {
                            return handleMessage(from, body);
                        }
                    })
                    .then(poll, err => {
                        if (gOurPeerId !== null) {
                            failTest(err.message);
                        }
                        gPolling = false;
                    });
            };
            poll();
        }

        function sendToPeer(to, message) {
            return fetch(gServerUrl + '/message?peer_id=' + gOurPeerId + '&to=' + to, {
                method: 'POST',
                headers: { 'Content-Type': 'text/plain' },
                body: message,
            }).then(response => {
                if (!response.ok) {
                    throw new Error('send returned ' + response.status);
                }
            });
        }

        function createPeerConnection(remoteId) {
            gRemotePeerId = remoteId;
            const pc = new RTCPeerConnection({ iceServers: [] });
            pc.onicecandidate = event => {
                if (event.candidate) {
                    sendToPeer(remoteId, JSON.stringify(event.candidate))
                        .catch(err => failTest('send candidate: ' + err.message));
                }
            };
            pc.ontrack = event => {
                document.getElementById('remote-view').srcObject = event.streams[0] || new MediaStream([event.track]);
            };
            pc.onconnectionstatechange = () => {
                log('connection state: ' + pc.connectionState);
                if (pc.connectionState === 'connected' && gPendingCall) {
                    const done = gPendingCall;
                    gPendingCall = null;
                    done('ok-call-established');
                }
                if (pc.connectionState === 'failed') {
                    failTest('peer connection failed');
                }
            };
            if (gLocalStream) {
                gLocalStream.getTracks().forEach(track => pc.addTrack(track, gLocalStream));
            } else {
                pc.addTransceiver('video', { direction: 'recvonly' });
            }
            gPeerConnection = pc;
            return pc;
        }

        function flushCandidates() {
            const pending = gPendingCandidates;
            gPendingCandidates = [];
            return Promise.all(pending.map(c => gPeerConnection.addIceCandidate(c)));
        }

        function handleMessage(from, body) {
            if (body === 'BYE') {
                log('remote hung up');
                closeCall();
                return;
            }
            let msg;
            try {
                msg = JSON.parse(body);
            } catch (err) {
                failTest('bad message from ' + from + ': ' + body);
                return;
            }
            if (msg.type === 'offer') {
                let pc = null;
                return gStreamReady
                    .then(() => {
                        pc = gPeerConnection || createPeerConnection(from);
                        return pc.setRemoteDescription(msg);
                    })
                    .then(flushCandidates)
                    .then(() => pc.createAnswer())
                    .then(answer => pc.setLocalDescription(answer))
                    .then(() => sendToPeer(from, JSON.stringify(pc.localDescription)))
                    .catch(err => failTest('answer: ' + err.message));
            }
            if (msg.type === 'answer') {
                if (!gPeerConnection) {
                    failTest('answer without a call');
                    return;
                }
                return gPeerConnection.setRemoteDescription(msg)
                    .then(flushCandidates)
                    .catch(err => failTest('set answer: ' + err.message));
            }
            if (msg.candidate !== undefined) {
                if (!gPeerConnection || !gPeerConnection.remoteDescription) {
                    gPendingCandidates.push(msg);
                    return;
                }
                return gPeerConnection.addIceCandidate(msg)
                    .catch(err => failTest('add candidate: ' + err.message));
            }
            failTest('unknown message: ' + body);
        }

        function call(peerName) {
            let remoteId = null;
            gPeers.forEach((name, id) => {
                if (remoteId === null && (!peerName || name === peerName)) {
                    remoteId = id;
                }
            });
            if (remoteId === null) {
                failTest('no peer to call');
                returnToTest('failed-no-peer');
                return;
            }
            let pc = null;
            gPendingCall = returnToTest;
            gStreamReady
                .then(() => {
                    pc = createPeerConnection(remoteId);
                    return pc.createOffer();
                })
                .then(offer => pc.setLocalDescription(offer))
                .then(() => sendToPeer(remoteId, JSON.stringify(pc.localDescription)))
                .catch(err => {
                    failTest('call: ' + err.message);
                    gPendingCall = null;
                    returnToTest('failed-to-call');
                });
        }

        function closeCall() {
            if (gPeerConnection) {
                gPeerConnection.close();
                gPeerConnection = null;
            }
            gRemotePeerId = null;
            gPendingCandidates = [];
            document.getElementById('remote-view').srcObject = null;
        }

        function hangUp() {
            if (!gPeerConnection) {
                failTest('hang up without a call');
                returnToTest('failed-no-call');
                return;
            }
            const remote = gRemotePeerId;
            closeCall();
            sendToPeer(remote, 'BYE')
                .then(() => returnToTest('ok-call-hung-up'))
                .catch(err => {
                    failTest('hang up: ' + err.message);
                    returnToTest('ok-call-hung-up');
                });
        }

        function disconnect() {
            if (gOurPeerId === null) {
                returnToTest('ok-disconnected');
                return;
            }
            const id = gOurPeerId;
            gOurPeerId = null;
            fetch(gServerUrl + '/sign_out?peer_id=' + id)
                .then(() => returnToTest('ok-disconnected'))
                .catch(err => {
                    failTest('disconnect: ' + err.message);
                    returnToTest('ok-disconnected');
                });
        }

        function is_call_active() {
            const active = gPeerConnection !== null && gPeerConnection.connectionState === 'connected';
            returnToTest(active ? 'yes' : 'no');
        }

        function getAnyTestFailures() {
            returnToTest(gFailures.length === 0 ? 'ok-no-errors' : gFailures.join('; '));
        }
    </script>
</body>
</html>`
