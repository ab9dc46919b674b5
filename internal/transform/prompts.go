package transform

const analysisSystemPrompt = `You are an expert in analyzing scientific research through the lens of TRIZ principles. Provide detailed analysis of research papers focusing on innovation and TRIZ principles application.`

const analysisPrompt = `Article Title: %s
Article Content: %s
Article URL: %s

Rewrite the articles in the lens of analysis on TRIZ principles following the guidance:
What is the main idea of the research work? Explain how it is innovative.
If apply TRIZ principles reflected in this work, which TRIZ principles have been used. Explain.
`

const generationSystemPrompt = `You are an expert science and technology writer specializing in innovation analysis. Write engaging articles that explain complex innovations through the lens of TRIZ principles in a way that's accessible to a technical audience.`

const generationPrompt = `Based on the following analysis of a scientific research paper, write a comprehensive article that focuses on the innovation through the lens of TRIZ principles.

Title: %s
Original URL: %s
Analysis: %s

Write a well-structured article that includes:
1. An engaging title that highlights the innovation
2. A detailed introduction that sets the context and problem being solved. Talk more about the problem. Why it is a problem and what is the traditional attempt to solve it?
3. A detailed explanation of the innovative solution and its significance, how it is different and more innovative than the traditional solutions?
4. Analysis of the TRIZ principles applied in the research
5. A conclusion that emphasizes the broader impact

Format the article with appropriate sections and maintain a professional yet engaging tone.
Include references to the original research paper.
`
